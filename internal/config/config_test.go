package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"IMMS_MINIO_ENDPOINT":       "https://minio.internal:9000",
		"IMMS_MINIO_ACCESSKEY":      "access",
		"IMMS_MINIO_SECRETKEY":      "secret",
		"IMMS_POSTGRES_HOST":        "db",
		"IMMS_POSTGRES_PORT":        "5432",
		"IMMS_POSTGRES_DB":          "imms",
		"IMMS_POSTGRES_USER":        "imms",
		"IMMS_POSTGRES_PASSWORD":    "pw",
		"IMMS_QUEUE_KAFKA_BROKERS":  "kafka-1:9092, kafka-2:9092",
		"IMMS_REGISTRY_URL":         "https://registry.internal/fhir",
		"IMMS_REGISTRY_TIMEOUT":     "3s",
		"IMMS_AUTH_STATICTOKEN":     "dev-token",
		"IMMS_API_JWT_ISSUER":       "issuer",
		"IMMS_API_JWT_AUDIENCE":     "audience",
		"IMMS_API_JWT_SECRET":       "jwt-secret",
		"IMMS_PROCESSOR_WORKERS":    "8",
		"IMMS_PERMISSIONS_CACHETTL": "1m",
	} {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Queue.Kafka.Brokers)
	assert.Equal(t, "postgres://imms:pw@db:5432/imms?sslmode=disable", cfg.Postgres.DSN())
	assert.Equal(t, 3*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Registry.LookupTimeout)
	assert.Equal(t, 8, cfg.Processor.Workers)
	assert.Equal(t, 4, cfg.Forwarder.Workers)
	assert.Equal(t, time.Minute, cfg.Permissions.CacheTTL)
	assert.Equal(t, "imms.dispatch.v1", cfg.Queue.Topic.Dispatch)

	host, secure, err := cfg.Minio.Host()
	require.NoError(t, err)
	assert.Equal(t, "minio.internal:9000", host)
	assert.True(t, secure)

	assert.NoError(t, cfg.ValidateProcessor())
	assert.NoError(t, cfg.ValidateForwarder())
}

func TestLoadSingleBroker(t *testing.T) {
	t.Setenv("IMMS_QUEUE_KAFKA_BROKERS", "kafka:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Queue.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	setValidEnv(t)
	valid, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing minio endpoint", func(c *Config) { c.Minio.Endpoint = "" }, "missing IMMS_MINIO_ENDPOINT"},
		{"missing postgres", func(c *Config) { c.Postgres.Password = "" }, "missing IMMS_POSTGRES configuration"},
		{"unknown queue", func(c *Config) { c.Queue.Kind = "sqs" }, `unknown IMMS_QUEUE_KIND "sqs"`},
		{"redis without address", func(c *Config) { c.Queue.Kind = QueueRedis }, "missing IMMS_QUEUE_REDIS_ADDRESS"},
		{"missing registry", func(c *Config) { c.Registry.URL = "" }, "missing IMMS_REGISTRY_URL"},
		{"no credentials", func(c *Config) { c.Auth.StaticToken = "" }, "missing IMMS_AUTH_STATICTOKEN or IMMS_AUTH_TOKENURL, IMMS_AUTH_CLIENTID and IMMS_AUTH_PRIVATEKEYFILE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			require.EqualError(t, cfg.ValidateForwarder(), tt.wantErr)
			require.EqualError(t, cfg.ValidateProcessor(), tt.wantErr)
		})
	}

	t.Run("processor needs jwt", func(t *testing.T) {
		cfg := valid
		cfg.API.JWT.Secret = ""
		require.EqualError(t, cfg.ValidateProcessor(), "missing IMMS_API_JWT_ISSUER, IMMS_API_JWT_AUDIENCE, or IMMS_API_JWT_SECRET")
		require.NoError(t, cfg.ValidateForwarder())
	})
}
