package config

// Config is the full startup configuration for xnotifyd.
//
// All four core knobs (listen address, database path, poll interval, max
// concurrent polls) are required at startup and are not hot-reloadable.
// Everything else has serviceable defaults.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "1m").
type Config struct {
	// ListenAddr is the host:port the control API binds to.
	ListenAddr string `json:"listen_addr"`

	// DBPath is the SQLite database file path.
	DBPath string `json:"db_path"`

	// PollInterval is the default per-target poll interval.
	PollInterval string `json:"poll_interval"`

	// MaxConcurrent bounds in-flight platform fetches.
	MaxConcurrent int `json:"max_concurrent"`

	Logging  LoggingConfig   `json:"logging,omitempty"`
	Platform *PlatformConfig `json:"platform,omitempty"`
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
	API      *APIConfig      `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"`
	Console *bool          `json:"console,omitempty"`
	File    FileLogSection `json:"file,omitempty"`
}

type FileLogSection struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// PlatformConfig tunes the outbound platform client.
//
// Defaults (when fields are omitted/zero):
//   - base_url: "https://x.com"
//   - rate_per_sec: 5 (outbound request budget shared by all poll workers)
//   - key_ttl: "12h" (transaction key cache)
//   - timeout: "30s"
type PlatformConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	KeyTTL     string  `json:"key_ttl,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
}

// DispatchConfig tunes the delivery pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 1024
//   - max_attempts: 5
//   - retry_base: "1s"
//   - retry_max_delay: "5m"
//   - timeout: "15s" (per delivery attempt)
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// APIConfig tunes the control API.
//
// Mutating routes get a per-IP fixed-window limit; reads are not limited.
// Defaults: write_limit 30, write_window "1h".
type APIConfig struct {
	WriteLimit  int    `json:"write_limit,omitempty"`
	WriteWindow string `json:"write_window,omitempty"`
}
