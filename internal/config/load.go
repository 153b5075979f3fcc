package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables. These mirror the deployment descriptor and always
// win over the config file.
const (
	EnvListenAddr    = "XNOTIFY_LISTEN_ADDR"
	EnvDBPath        = "XNOTIFY_DB_PATH"
	EnvPollInterval  = "XNOTIFY_POLL_INTERVAL"
	EnvMaxConcurrent = "XNOTIFY_MAX_CONCURRENT"
)

const (
	defaultListenAddr    = "127.0.0.1:3000"
	defaultDBPath        = "./xnotifyd.db"
	defaultPollInterval  = 15 * time.Second
	defaultMaxConcurrent = 50
)

// Load builds the startup config.
//
// Resolution order, lowest to highest precedence:
//  1. built-in defaults
//  2. optional config file (JSON or YAML; path may be empty)
//  3. environment variables
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		jb, format, err := coerceToJSONBytes(path, b)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		dec := json.NewDecoder(bytes.NewReader(jb))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s (%s): %w", path, format, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPollInterval)); v != "" {
		cfg.PollInterval = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxConcurrent)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if strings.TrimSpace(cfg.PollInterval) == "" {
		cfg.PollInterval = defaultPollInterval.String()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
}

func validate(cfg *Config) error {
	host, port, ok := strings.Cut(cfg.ListenAddr, ":")
	if !ok || port == "" {
		return fmt.Errorf("config: listen_addr %q must be host:port", cfg.ListenAddr)
	}
	_ = host
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("config: listen_addr %q has invalid port", cfg.ListenAddr)
	}
	if _, err := cfg.PollIntervalDuration(); err != nil {
		return err
	}
	if cfg.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be > 0")
	}
	return nil
}

// PollIntervalDuration parses the poll interval.
// Accepts a Go duration string or a bare integer meaning seconds
// (the deployment descriptor historically used plain seconds).
func (c *Config) PollIntervalDuration() (time.Duration, error) {
	s := strings.TrimSpace(c.PollInterval)
	if s == "" {
		return defaultPollInterval, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("config: poll_interval must be > 0 seconds")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := ParseDurationField("poll_interval", s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: poll_interval must be > 0")
	}
	return d, nil
}
