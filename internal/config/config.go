package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatkit/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// APIBaseURL is the HTTP API endpoint (uploads, auth refresh).
	APIBaseURL string `toml:"api_base_url"`
	// GatewayURL is the WebSocket endpoint for the real-time channel.
	GatewayURL string `toml:"gateway_url"`

	// StorageKey is the base64-encoded 32-byte AES key used to seal
	// values in protected local namespaces. Empty disables sealing.
	StorageKey string `toml:"storage_key"`

	HeartbeatInterval duration `toml:"heartbeat_interval"`
	PongTimeout       duration `toml:"pong_timeout"`
	BackoffBase       duration `toml:"backoff_base"`
	BackoffCap        duration `toml:"backoff_cap"`
	MaxReconnects     int      `toml:"max_reconnects"`
}

// duration wraps time.Duration with TOML string encoding ("30s").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns a config with production defaults applied.
func Default() *Config {
	return &Config{
		HeartbeatInterval: duration(30 * time.Second),
		PongTimeout:       duration(10 * time.Second),
		BackoffBase:       duration(500 * time.Millisecond),
		BackoffCap:        duration(30 * time.Second),
		MaxReconnects:     10,
	}
}

// Load reads config from the given path, filling unset timing fields with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) validate() error {
	if c.HeartbeatInterval.Duration() <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.PongTimeout.Duration() <= 0 || c.PongTimeout.Duration() >= c.HeartbeatInterval.Duration() {
		return fmt.Errorf("pong_timeout must be positive and shorter than heartbeat_interval")
	}
	if c.BackoffBase.Duration() <= 0 || c.BackoffCap.Duration() < c.BackoffBase.Duration() {
		return fmt.Errorf("backoff_base must be positive and no greater than backoff_cap")
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("max_reconnects must not be negative")
	}
	return nil
}
