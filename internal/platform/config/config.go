// Package config builds runtime configuration from environment variables so
// main stays lean. Every value has a development default; production overrides
// via the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates per-concern configuration for the verification service.
type Config struct {
	Server       Server
	Postgres     Postgres
	Redis        Redis
	Kafka        Kafka
	OCR          OCR
	Verification Verification
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
}

// Postgres holds the database connection settings. An empty DSN means the
// service runs on in-memory stores (development and tests).
type Postgres struct {
	DSN string
}

// Redis holds connection settings for the dedup index and the task queue.
// An empty URL disables both and the service degrades to inline review.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the audit stream. Empty brokers disable mirroring.
type Kafka struct {
	Brokers    []string
	AuditTopic string
}

// OCR configures the external text-extraction collaborator.
type OCR struct {
	URL     string
	Timeout time.Duration
}

// Verification holds the tunable scoring parameters. The defaults are the
// documented conservative ones; they are deploy-time knobs, not request-time.
type Verification struct {
	AutoApproveThreshold float64
	NameWeight           float64
	ExternalIDWeight     float64
	InstitutionWeight    float64
	ValidityPeriod       time.Duration
	SweepInterval        time.Duration
	MaxDocumentBytes     int64
}

// FromEnv builds the full configuration from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:          envString("MATRICULA_ADDR", ":8080"),
			JWTSigningKey: envString("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		},
		Postgres: Postgres{
			DSN: os.Getenv("POSTGRES_DSN"),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:    splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			AuditTopic: envString("KAFKA_AUDIT_TOPIC", "audit.verification"),
		},
		OCR: OCR{
			URL:     os.Getenv("OCR_URL"),
			Timeout: envDuration("OCR_TIMEOUT", 15*time.Second),
		},
		Verification: Verification{
			AutoApproveThreshold: envFloat("VERIFY_AUTO_APPROVE_THRESHOLD", 0.8),
			NameWeight:           envFloat("VERIFY_NAME_WEIGHT", 0.4),
			ExternalIDWeight:     envFloat("VERIFY_EXTERNAL_ID_WEIGHT", 0.3),
			InstitutionWeight:    envFloat("VERIFY_INSTITUTION_WEIGHT", 0.3),
			ValidityPeriod:       envDuration("VERIFY_VALIDITY_PERIOD", 365*24*time.Hour),
			SweepInterval:        envDuration("VERIFY_SWEEP_INTERVAL", time.Hour),
			MaxDocumentBytes:     envInt64("VERIFY_MAX_DOCUMENT_BYTES", 10<<20),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
