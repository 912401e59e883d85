package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"immunisation-batch-exchange/internal/ack"
	"immunisation-batch-exchange/internal/app"
	"immunisation-batch-exchange/internal/config"
	"immunisation-batch-exchange/internal/forwarder"
	"immunisation-batch-exchange/internal/logging"
	"immunisation-batch-exchange/internal/metrics"
	"immunisation-batch-exchange/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	if err := cfg.ValidateForwarder(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("registry forwarder stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := app.OpenDB(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	objects, err := app.OpenObjectStore(cfg.Minio)
	if err != nil {
		return err
	}

	transport, err := app.OpenTransport(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer transport.Close()

	registryClient, err := app.NewRegistryClient(cfg, logger)
	if err != nil {
		return err
	}

	ackStore := ack.NewPostgresStore(db)
	f := forwarder.New(
		registryClient,
		forwarder.NewPostgresDeduplicator(db),
		ack.NewLedger(ackStore, objects, cfg.Bucket.Ack, logger),
		logger,
		cfg.Registry.Timeout,
	)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Handle("/metrics", metrics.Handler(nil, ackStore))
	srv := &http.Server{Addr: cfg.Metrics.Address, Handler: router}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Serve(ctx, srv, logger)
		cancel()
	}()

	receivers := transport.Receivers(cfg.Queue.Topic.Dispatch, cfg.Forwarder.Group, cfg.Forwarder.Workers)
	defer func() {
		for _, r := range receivers {
			_ = r.Close()
		}
	}()
	logger.Info("registry forwarder started", "workers", cfg.Forwarder.Workers, "queue", cfg.Queue.Kind)
	workerErr := queue.RunWorkers(ctx, receivers, f.Handle, logger)
	cancel()

	if err := <-serveErr; err != nil {
		return err
	}
	return workerErr
}
