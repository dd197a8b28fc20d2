package postgres

import (
	"net/url"
	"time"
)

// Config holds PostgreSQL connection settings for the driver.
// Prefer providing a DSN via ConnString. When empty, a DSN will be
// synthesized from the individual fields.
type Config struct {
	ConnString      string
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	PingTimeout     time.Duration
}

// DSN returns the connection string for this config.
func (c *Config) DSN() string {
	return dsn(c)
}

// dsn returns the explicit connection string when provided, otherwise a
// postgres:// URL synthesized from the individual fields.
func dsn(cfg *Config) string {
	if cfg.ConnString != "" {
		return cfg.ConnString
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   cfg.Host + ":" + cfg.Port,
		Path:   "/" + cfg.DBName,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
