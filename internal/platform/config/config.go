// Package config reads process configuration from the environment and the
// optional connector capability file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "consentflow/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
}

type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the distributed per-permission lock. An empty URL
// keeps locking in process.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockTTL      time.Duration
}

// Kafka configures the status message publisher. No brokers means messages
// are only logged.
type Kafka struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
}

type Workers struct {
	SweepCron     string
	StaleAfter    time.Duration
	PollCron      string
	MaxConcurrent int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	CallTimeout   time.Duration
}

type Log struct {
	Level  string
	Format string
	// File enables rotation through lumberjack; empty logs to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Tracing struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type Config struct {
	Server         Server
	Database       Database
	Redis          RedisConfig
	Kafka          Kafka
	Workers        Workers
	Log            Log
	Tracing        Tracing
	ConnectorsFile string
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return d
	}
	num := func(key string, def int) int {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return n
	}
	ratio := func(key string, def float64) float64 {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			errs = append(errs, fmt.Sprintf("%s: must be a number in [0, 1]", key))
			return def
		}
		return f
	}

	cfg := Config{
		Server: Server{
			Addr:          getenv("CONSENTFLOW_ADDR", ":8080"),
			JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
			JWTIssuer:     getenv("JWT_ISSUER", "consentflow"),
			JWTAudience:   getenv("JWT_AUDIENCE", "consentflow-api"),
		},
		Database: Database{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    num("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    num("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: dur("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     num("REDIS_POOL_SIZE", 10),
			MinIdleConns: num("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  dur("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  dur("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: dur("REDIS_WRITE_TIMEOUT", 3*time.Second),
			LockTTL:      dur("REDIS_LOCK_TTL", 10*time.Second),
		},
		Kafka: Kafka{
			Brokers:           splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:             getenv("KAFKA_STATUS_TOPIC", "status-messages"),
			Partitions:        int32(num("KAFKA_STATUS_PARTITIONS", 3)),
			ReplicationFactor: int16(num("KAFKA_STATUS_REPLICATION", 1)),
		},
		Workers: Workers{
			SweepCron:     getenv("SWEEP_CRON", "0 * * * *"),
			StaleAfter:    dur("SWEEP_STALE_AFTER", 24*time.Hour),
			PollCron:      getenv("POLL_CRON", "*/15 * * * *"),
			MaxConcurrent: num("POLL_MAX_CONCURRENT", 8),
			MaxAttempts:   num("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:     dur("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:      dur("RETRY_MAX_DELAY", 30*time.Second),
			CallTimeout:   dur("RETRY_CALL_TIMEOUT", 30*time.Second),
		},
		Log: Log{
			Level:      getenv("LOG_LEVEL", "info"),
			Format:     getenv("LOG_FORMAT", "json"),
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  num("LOG_MAX_SIZE_MB", 100),
			MaxBackups: num("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: num("LOG_MAX_AGE_DAYS", 14),
		},
		Tracing: Tracing{
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			SampleRatio: ratio("OTEL_TRACES_SAMPLE_RATIO", 1),
		},
		ConnectorsFile: os.Getenv("CONNECTORS_FILE"),
	}

	if cfg.Server.JWTSigningKey == "" {
		errs = append(errs, "JWT_SIGNING_KEY is required")
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return platformstrings.DedupeAndTrim(strings.Split(v, ","))
}
