package config

import (
	"time"
)

// Config is the complete configuration for the fieldline ingestion engine.
// It provides type-safe access to all configuration values with validation.
type Config struct {
	Database DatabaseConfig `koanf:"database" validate:"required"`
	Redis    RedisConfig    `koanf:"redis"    validate:"required"`
	Ingest   IngestConfig   `koanf:"ingest"   validate:"required"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// DatabaseConfig contains Postgres connection configuration.
type DatabaseConfig struct {
	ConnString      string        `koanf:"conn_string"`
	Host            string        `koanf:"host"`
	Port            string        `koanf:"port"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	DBName          string        `koanf:"name"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	PingTimeout     time.Duration `koanf:"ping_timeout"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// RedisConfig contains Redis connection configuration. When disabled, the
// daemon runs without Redis: alerts fall back to the structured log.
type RedisConfig struct {
	Enabled      bool          `koanf:"enabled"`
	URL          string        `koanf:"url"`
	Host         string        `koanf:"host"`
	Port         string        `koanf:"port"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	PingTimeout  time.Duration `koanf:"ping_timeout"`
}

// IngestConfig contains the chunk reassembly behavior configuration.
type IngestConfig struct {
	// ChunkTTL bounds how long an incomplete correlation group may sit in
	// the chunk store before the sweeper reclaims it.
	ChunkTTL time.Duration `koanf:"chunk_ttl"         validate:"gt=0"`
	// SweepInterval is the period of the expiry sweeper; it should be
	// shorter than ChunkTTL.
	SweepInterval time.Duration `koanf:"sweep_interval"    validate:"gt=0"`
	// MaxPayloadBytes caps the size of a single chunk payload fragment.
	MaxPayloadBytes int `koanf:"max_payload_bytes" validate:"min=1"`
	// ConflictFlagTTL bounds how long a poisoned correlation id stays
	// flagged after a totalChunks mismatch.
	ConflictFlagTTL time.Duration `koanf:"conflict_flag_ttl" validate:"gt=0"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"  validate:"omitempty,oneof=debug info warn error"`
	JSON   bool   `koanf:"json"`
	Source bool   `koanf:"source"`
}

// Default returns the baseline configuration. Every value here is
// overridable through environment variables or an explicit source.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           "5432",
			User:           "postgres",
			DBName:         "fieldline",
			SSLMode:        "disable",
			MaxOpenConns:   20,
			ConnectTimeout: 5 * time.Second,
			PingTimeout:    3 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:     true,
			Host:        "localhost",
			Port:        "6379",
			PoolSize:    10,
			PingTimeout: 5 * time.Second,
		},
		Ingest: IngestConfig{
			ChunkTTL:        60 * time.Second,
			SweepInterval:   15 * time.Second,
			MaxPayloadBytes: 64 * 1024,
			ConflictFlagTTL: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "localhost:9464",
		},
	}
}
