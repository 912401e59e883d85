// Package app builds the infrastructure clients both binaries share from
// configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"immunisation-batch-exchange/internal/auth"
	"immunisation-batch-exchange/internal/config"
	"immunisation-batch-exchange/internal/queue"
	"immunisation-batch-exchange/internal/registry"
	"immunisation-batch-exchange/internal/storage"
)

const (
	pingTimeout     = 5 * time.Second
	readTimeout     = 10 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}

func OpenObjectStore(cfg config.MinioConfig) (*storage.MinIO, error) {
	host, secure, err := cfg.Host()
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return storage.NewMinIO(client), nil
}

// Transport hands out senders and receivers on the configured queue.
type Transport struct {
	kind    string
	brokers []string
	redis   *redis.Client
}

func OpenTransport(ctx context.Context, cfg config.QueueConfig) (*Transport, error) {
	switch cfg.Kind {
	case config.QueueKafka:
		return &Transport{kind: cfg.Kind, brokers: cfg.Kafka.Brokers}, nil
	case config.QueueRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password})
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return &Transport{kind: cfg.Kind, redis: client}, nil
	}
	return nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
}

func (t *Transport) Sender(topic string) queue.Sender {
	if t.kind == config.QueueRedis {
		return queue.NewRedisSender(t.redis, topic)
	}
	return queue.NewKafkaSender(t.brokers, topic)
}

// Receivers returns n receivers in one consumer group.
func (t *Transport) Receivers(topic, group string, n int) []queue.Receiver {
	host, _ := os.Hostname()
	receivers := make([]queue.Receiver, n)
	for i := range receivers {
		if t.kind == config.QueueRedis {
			receivers[i] = queue.NewRedisReceiver(t.redis, topic, group, host+"-"+strconv.Itoa(i))
		} else {
			receivers[i] = queue.NewKafkaReceiver(t.brokers, topic, group)
		}
	}
	return receivers
}

func (t *Transport) Close() error {
	if t.redis != nil {
		return t.redis.Close()
	}
	return nil
}

// NewRegistryClient authenticates with the static token when one is set and
// with a signed client assertion otherwise.
func NewRegistryClient(cfg config.Config, logger *slog.Logger) (*registry.Client, error) {
	baseURL, err := url.Parse(cfg.Registry.URL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}

	var tokens registry.TokenSource = auth.StaticToken(cfg.Auth.StaticToken)
	if cfg.Auth.StaticToken == "" {
		key, err := os.ReadFile(cfg.Auth.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read registry private key: %w", err)
		}
		tokens, err = auth.NewClientAssertionSource(auth.ClientAssertionConfig{
			TokenURL:   cfg.Auth.TokenURL,
			ClientID:   cfg.Auth.ClientID,
			KeyID:      cfg.Auth.KeyID,
			PrivateKey: key,
			Timeout:    cfg.Auth.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
	}
	return registry.New(baseURL, registry.NewHTTPClient(tokens, cfg.Registry.Timeout), logger), nil
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	srv.ReadTimeout = readTimeout
	srv.WriteTimeout = writeTimeout
	srv.IdleTimeout = idleTimeout

	errs := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
