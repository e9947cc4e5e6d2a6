package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "NOTESYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind_addr", typ: kString, env: "NOTESYNC_SERVER_BIND_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.BindAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BindAddr },
	},
	{
		key: "server.data_dir", typ: kString, env: "NOTESYNC_SERVER_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Server.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.DataDir },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NOTESYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "remote.base_url", typ: kString, env: "NOTESYNC_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.timeout", typ: kDuration, env: "NOTESYNC_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "remote.rate_limit", typ: kFloat, env: "NOTESYNC_REMOTE_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Remote.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Remote.RateLimit },
	},
	{
		key: "sync.upload_concurrency", typ: kInt, env: "NOTESYNC_SYNC_UPLOAD_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Sync.UploadConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.UploadConcurrency },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "NOTESYNC_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.poll_interval", typ: kDuration, env: "NOTESYNC_SYNC_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PollInterval },
	},
	{
		key: "sync.refresh_interval", typ: kDuration, env: "NOTESYNC_SYNC_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.RefreshInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.RefreshInterval },
	},
	{
		key: "sync.flush_timeout", typ: kDuration, env: "NOTESYNC_SYNC_FLUSH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.FlushTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.FlushTimeout },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "NOTESYNC_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "NOTESYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw into the Go type of spec s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
