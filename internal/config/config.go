package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "IMMS_"

const (
	QueueKafka = "kafka"
	QueueRedis = "redis"
)

type Config struct {
	Env         string            `koanf:"env"`
	LogLevel    string            `koanf:"loglevel"`
	API         APIConfig         `koanf:"api"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Minio       MinioConfig       `koanf:"minio"`
	Bucket      BucketConfig      `koanf:"bucket"`
	Permissions PermissionsConfig `koanf:"permissions"`
	Queue       QueueConfig       `koanf:"queue"`
	Processor   WorkerConfig      `koanf:"processor"`
	Forwarder   WorkerConfig      `koanf:"forwarder"`
	Registry    RegistryConfig    `koanf:"registry"`
	Auth        AuthConfig        `koanf:"auth"`
	Outbox      OutboxConfig      `koanf:"outbox"`
}

type APIConfig struct {
	Address string    `koanf:"address"`
	JWT     JWTConfig `koanf:"jwt"`
}

type JWTConfig struct {
	Issuer   string `koanf:"issuer"`
	Audience string `koanf:"audience"`
	Secret   string `koanf:"secret"`
}

type MetricsConfig struct {
	Address string `koanf:"address"`
}

type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	DB       string `koanf:"db"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// DSN returns the connection string, or "" when any part is missing.
func (p PostgresConfig) DSN() string {
	if p.Host == "" || p.Port == "" || p.DB == "" || p.User == "" || p.Password == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", p.User, p.Password, p.Host, p.Port, p.DB)
}

type MinioConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"accesskey"`
	SecretKey string `koanf:"secretkey"`
}

// Host splits an endpoint given as a URL into host and TLS flag. A bare
// host:port is used as is, without TLS.
func (m MinioConfig) Host() (string, bool, error) {
	return parseEndpoint(m.Endpoint)
}

type BucketConfig struct {
	Source string `koanf:"source"`
	Ack    string `koanf:"ack"`
	Config string `koanf:"config"`
}

type PermissionsConfig struct {
	Key          string        `koanf:"key"`
	CacheTTL     time.Duration `koanf:"cachettl"`
	FetchTimeout time.Duration `koanf:"fetchtimeout"`
}

type QueueConfig struct {
	Kind    string        `koanf:"kind"`
	Kafka   KafkaConfig   `koanf:"kafka"`
	Redis   RedisConfig   `koanf:"redis"`
	Topic   TopicConfig   `koanf:"topic"`
	Timeout time.Duration `koanf:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
}

type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
}

type TopicConfig struct {
	FileJobs string `koanf:"filejobs"`
	Dispatch string `koanf:"dispatch"`
}

type WorkerConfig struct {
	Workers int    `koanf:"workers"`
	Group   string `koanf:"group"`
}

type RegistryConfig struct {
	URL           string        `koanf:"url"`
	Timeout       time.Duration `koanf:"timeout"`
	LookupTimeout time.Duration `koanf:"lookuptimeout"`
}

type AuthConfig struct {
	TokenURL       string        `koanf:"tokenurl"`
	ClientID       string        `koanf:"clientid"`
	KeyID          string        `koanf:"keyid"`
	PrivateKeyFile string        `koanf:"privatekeyfile"`
	StaticToken    string        `koanf:"statictoken"`
	Timeout        time.Duration `koanf:"timeout"`
}

type OutboxConfig struct {
	PollInterval time.Duration `koanf:"pollinterval"`
	BatchSize    int           `koanf:"batchsize"`
}

// DefaultConfig returns defaults for everything that has a sensible one.
// Connection details and secrets have none.
func DefaultConfig() Config {
	return Config{
		Env:      "local",
		LogLevel: "info",
		API:      APIConfig{Address: ":8080"},
		Metrics:  MetricsConfig{Address: ":9090"},
		Bucket: BucketConfig{
			Source: "immunisation-batch-source",
			Ack:    "immunisation-batch-ack",
			Config: "immunisation-batch-config",
		},
		Permissions: PermissionsConfig{
			Key:          "permissions_config.json",
			CacheTTL:     5 * time.Minute,
			FetchTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Kind: QueueKafka,
			Topic: TopicConfig{
				FileJobs: "imms.file-jobs.v1",
				Dispatch: "imms.dispatch.v1",
			},
			Timeout: 5 * time.Second,
		},
		Processor: WorkerConfig{Workers: 4, Group: "batch-processor"},
		Forwarder: WorkerConfig{Workers: 4, Group: "registry-forwarder"},
		Registry: RegistryConfig{
			Timeout:       10 * time.Second,
			LookupTimeout: 10 * time.Second,
		},
		Auth:   AuthConfig{Timeout: 10 * time.Second},
		Outbox: OutboxConfig{PollInterval: time.Second, BatchSize: 100},
	}
}

// Load reads IMMS_-prefixed environment variables over DefaultConfig. An
// underscore separates nesting levels (IMMS_MINIO_ACCESSKEY sets
// Minio.AccessKey); comma-separated values become lists.
func Load() (Config, error) {
	cfg := DefaultConfig()
	if err := loadInto(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func loadInto(target *Config) error {
	k := koanf.New(".")
	err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
		if value == "" {
			return key, nil
		}
		parts := strings.Split(value, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		if len(parts) == 1 {
			return key, parts[0]
		}
		return key, parts
	}), nil)
	if err != nil {
		return err
	}
	return k.Unmarshal("", target)
}

// ValidateProcessor checks what cmd/batch-processor needs.
func (c Config) ValidateProcessor() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Bucket.Source == "" || c.Bucket.Config == "" || c.Permissions.Key == "" {
		return errors.New("missing IMMS_BUCKET_SOURCE, IMMS_BUCKET_CONFIG, or IMMS_PERMISSIONS_KEY")
	}
	if c.Queue.Topic.FileJobs == "" {
		return errors.New("missing IMMS_QUEUE_TOPIC_FILEJOBS")
	}
	if c.Processor.Workers < 1 {
		return errors.New("IMMS_PROCESSOR_WORKERS must be at least 1")
	}
	if c.API.JWT.Issuer == "" || c.API.JWT.Audience == "" || c.API.JWT.Secret == "" {
		return errors.New("missing IMMS_API_JWT_ISSUER, IMMS_API_JWT_AUDIENCE, or IMMS_API_JWT_SECRET")
	}
	return nil
}

// ValidateForwarder checks what cmd/registry-forwarder needs.
func (c Config) ValidateForwarder() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Forwarder.Workers < 1 {
		return errors.New("IMMS_FORWARDER_WORKERS must be at least 1")
	}
	return nil
}

// validateCommon covers the storage, ledger, queue and registry settings
// both binaries share. The processor looks identifiers up in the registry;
// the forwarder writes to it.
func (c Config) validateCommon() error {
	if _, _, err := c.Minio.Host(); err != nil {
		return err
	}
	if c.Minio.AccessKey == "" || c.Minio.SecretKey == "" || c.Bucket.Ack == "" {
		return errors.New("missing IMMS_MINIO_ACCESSKEY, IMMS_MINIO_SECRETKEY, or IMMS_BUCKET_ACK")
	}
	if c.Postgres.DSN() == "" {
		return errors.New("missing IMMS_POSTGRES configuration")
	}
	switch c.Queue.Kind {
	case QueueKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			return errors.New("missing IMMS_QUEUE_KAFKA_BROKERS")
		}
	case QueueRedis:
		if c.Queue.Redis.Address == "" {
			return errors.New("missing IMMS_QUEUE_REDIS_ADDRESS")
		}
	default:
		return fmt.Errorf("unknown IMMS_QUEUE_KIND %q", c.Queue.Kind)
	}
	if c.Queue.Topic.Dispatch == "" {
		return errors.New("missing IMMS_QUEUE_TOPIC_DISPATCH")
	}
	if c.Registry.URL == "" {
		return errors.New("missing IMMS_REGISTRY_URL")
	}
	if _, err := url.Parse(c.Registry.URL); err != nil {
		return fmt.Errorf("invalid IMMS_REGISTRY_URL: %w", err)
	}
	if c.Auth.StaticToken == "" && (c.Auth.TokenURL == "" || c.Auth.ClientID == "" || c.Auth.PrivateKeyFile == "") {
		return errors.New("missing IMMS_AUTH_STATICTOKEN or IMMS_AUTH_TOKENURL, IMMS_AUTH_CLIENTID and IMMS_AUTH_PRIVATEKEYFILE")
	}
	return nil
}

func parseEndpoint(raw string) (string, bool, error) {
	if raw == "" {
		return "", false, errors.New("missing IMMS_MINIO_ENDPOINT")
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("invalid IMMS_MINIO_ENDPOINT: %w", err)
		}
		if parsed.Host == "" {
			return "", false, errors.New("invalid IMMS_MINIO_ENDPOINT: missing host")
		}
		return parsed.Host, parsed.Scheme == "https", nil
	}
	return raw, false, nil
}
