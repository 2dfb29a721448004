package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	API       APIConfig       `toml:"api"`
	Sessions  []SessionConfig `toml:"sessions"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Download  DownloadConfig  `toml:"download"`
	Forward   ForwardConfig   `toml:"forward"`
	Observer  ObserverConfig  `toml:"observer"`
}

type APIConfig struct {
	ID   int    `toml:"id"`
	Hash string `toml:"hash"`
}

type SessionConfig struct {
	Name     string `toml:"name"`
	AuthFile string `toml:"auth_file"`
	Enabled  bool   `toml:"enabled"`
}

type RateLimitConfig struct {
	GlobalPerMinute  int `toml:"global_per_minute"`
	ClassPerMinute   int `toml:"class_per_minute"`
	SessionPerMinute int `toml:"session_per_minute"`
	FloodAbsorbSecs  int `toml:"flood_absorb_seconds"`
}

type DownloadConfig struct {
	Root         string   `toml:"root"`
	IncludeKinds []string `toml:"include_kinds"`
	MinSizeBytes int64    `toml:"min_size_bytes"`
	MaxSizeBytes int64    `toml:"max_size_bytes"`
}

type ForwardConfig struct {
	Template          string `toml:"template"`
	BatchSize         int    `toml:"batch_size"`
	PreserveStructure bool   `toml:"preserve_structure"`
	CleanupSuccess    bool   `toml:"cleanup_success"`
	CleanupFailure    bool   `toml:"cleanup_failure"`
	PacingMillis      int    `toml:"pacing_millis"`
	MaxRetries        int    `toml:"max_retries"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		RateLimit: RateLimitConfig{
			GlobalPerMinute:  30,
			ClassPerMinute:   20,
			SessionPerMinute: 10,
			FloodAbsorbSecs:  10,
		},
		Download: DownloadConfig{Root: "downloads"},
		Forward: ForwardConfig{
			BatchSize:         10,
			PreserveStructure: true,
			CleanupSuccess:    true,
			MaxRetries:        3,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("RELAY_API_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.API.ID = id
		}
	}
	if v := os.Getenv("RELAY_API_HASH"); v != "" {
		cfg.API.Hash = v
	}
	if v := os.Getenv("RELAY_DOWNLOAD_ROOT"); v != "" {
		cfg.Download.Root = v
	}
	if os.Getenv("RELAY_OBSERVER_ENABLED") == "true" || os.Getenv("RELAY_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Forward.BatchSize <= 0 || cfg.Forward.BatchSize > 10 {
		cfg.Forward.BatchSize = 10
	}
	if cfg.Forward.MaxRetries < 0 {
		cfg.Forward.MaxRetries = 3
	}
	for i := range cfg.Sessions {
		if cfg.Sessions[i].AuthFile == "" {
			cfg.Sessions[i].AuthFile = cfg.Sessions[i].Name + ".session"
		}
	}

	return cfg
}
