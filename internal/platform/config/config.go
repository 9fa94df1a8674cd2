package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
}

// Provider captures the identity-verification provider credentials and
// endpoints. Secret and APIKey are required at request time, not at boot, so
// a missing value surfaces as a config error on the first call that needs it.
type Provider struct {
	BaseURL       string
	APIKey        string
	WorkflowID    string
	WebhookSecret string
	Timeout       time.Duration
}

// Verification captures reconciliation tuning.
type Verification struct {
	PollInterval time.Duration
}

// RedisConfig holds Redis connection settings. An empty URL disables Redis
// and the session store falls back to memory.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Postgres holds the database connection string. Empty disables Postgres.
type Postgres struct {
	DSN string
}

// Kafka holds the audit sink settings. No brokers disables the sink.
type Kafka struct {
	Brokers    []string
	AuditTopic string
}

// Config is the full application configuration.
type Config struct {
	Server       Server
	Provider     Provider
	Verification Verification
	Redis        RedisConfig
	Postgres     Postgres
	Kafka        Kafka
}

// FromEnv builds the configuration from environment variables so main stays
// lean. Development defaults are applied where safe; credentials never
// default.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:          envOr("KYCBRIDGE_ADDR", ":8080"),
			JWTSigningKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     envOr("JWT_ISSUER", "kycbridge"),
			JWTAudience:   envOr("JWT_AUDIENCE", "kycbridge"),
		},
		Provider: Provider{
			BaseURL:       envOr("VERIFICATION_BASE_URL", "https://verification.didit.me"),
			APIKey:        os.Getenv("VERIFICATION_API_KEY"),
			WorkflowID:    os.Getenv("VERIFICATION_WORKFLOW_ID"),
			WebhookSecret: os.Getenv("VERIFICATION_WEBHOOK_SECRET"),
			Timeout:       durationOr("VERIFICATION_TIMEOUT", 10*time.Second),
		},
		Verification: Verification{
			PollInterval: durationOr("VERIFICATION_POLL_INTERVAL", 3*time.Second),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     intOr("REDIS_POOL_SIZE", 10),
			MinIdleConns: intOr("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  durationOr("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  durationOr("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: durationOr("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: Postgres{
			DSN: os.Getenv("POSTGRES_DSN"),
		},
		Kafka: Kafka{
			Brokers:    splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			AuditTopic: envOr("KAFKA_AUDIT_TOPIC", "kycbridge.audit"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitNonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
