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
		key: "server.port", typ: kInt, env: "DREAMSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "remote.base_url", typ: kString, env: "DREAMSYNC_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.text_timeout", typ: kDuration, env: "DREAMSYNC_REMOTE_TEXT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.TextTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.TextTimeout },
	},
	{
		key: "remote.audio_timeout", typ: kDuration, env: "DREAMSYNC_REMOTE_AUDIO_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.AudioTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.AudioTimeout },
	},
	{
		key: "remote.status_timeout", typ: kDuration, env: "DREAMSYNC_REMOTE_STATUS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.StatusTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.StatusTimeout },
	},
	{
		key: "remote.poll_interval", typ: kDuration, env: "DREAMSYNC_REMOTE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Remote.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.PollInterval },
	},
	{
		key: "remote.poll_max_fails", typ: kInt, env: "DREAMSYNC_REMOTE_POLL_MAX_FAILS",
		apply:   func(cfg *Config, v any) { cfg.Remote.PollMaxFails = v.(int) },
		extract: func(cfg Config) any { return cfg.Remote.PollMaxFails },
	},
	{
		key: "queue.max_retries", typ: kInt, env: "DREAMSYNC_QUEUE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxRetries },
	},
	{
		key: "history.limit", typ: kInt, env: "DREAMSYNC_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.History.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.History.Limit },
	},
	{
		key: "network.probe_interval", typ: kDuration, env: "DREAMSYNC_NETWORK_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Network.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Network.ProbeInterval },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DREAMSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DREAMSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
