package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries process-level settings sourced from the environment.
type Config struct {
	// ListenAddr is the HTTP address for health and metrics endpoints.
	ListenAddr string
	// PostgresDSN is the relational store connection string. Empty disables
	// persistence (health endpoints still work; the core cannot serve).
	PostgresDSN string

	// RedisAddr enables the remote permission cache when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CachePrefix   string
	CacheTTL      time.Duration

	// EventSource is the default source stamped onto ingested events.
	EventSource string
}

// FromEnv reads configuration from ENTITYCORE_* environment variables,
// applying defaults for anything unset.
func FromEnv() Config {
	cfg := Config{
		ListenAddr:    envOr("ENTITYCORE_LISTEN_ADDR", ":8080"),
		PostgresDSN:   os.Getenv("ENTITYCORE_PG_DSN"),
		RedisAddr:     os.Getenv("ENTITYCORE_REDIS_ADDR"),
		RedisPassword: os.Getenv("ENTITYCORE_REDIS_PASSWORD"),
		CachePrefix:   envOr("ENTITYCORE_CACHE_PREFIX", "entitycore"),
		CacheTTL:      5 * time.Minute,
		EventSource:   envOr("ENTITYCORE_EVENT_SOURCE", "entity_permissions_core"),
	}
	if v := os.Getenv("ENTITYCORE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("ENTITYCORE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CacheTTL = d
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
