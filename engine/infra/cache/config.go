package cache

import "time"

// Config holds Redis connection settings for the coordination and alert
// components.
type Config struct {
	URL          string
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}
