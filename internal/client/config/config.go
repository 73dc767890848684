// Package config holds the client configuration: defaults, a TOML file
// layer and validation. Precedence is flags over file over defaults;
// the flag layer lives in the CLI, this package only needs to know
// which flags were explicitly set.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultServerURL is the repository websocket endpoint.
	DefaultServerURL = "ws://localhost:8420/ws"

	// DefaultSandboxOID is the pseudo-project for local-only objects.
	DefaultSandboxOID = "SANDBOX"

	// DefaultChunkSize bounds one fetch batch.
	DefaultChunkSize = 128

	// DefaultCallTimeout bounds a single RPC round-trip.
	DefaultCallTimeout = 10 * time.Second

	// DefaultStalenessThreshold separates a short outage (resubscribe
	// only) from a long one (full resync).
	DefaultStalenessThreshold = 60 * time.Second
)

// Config is the resolved client configuration.
type Config struct {
	// ServerURL is the repository websocket endpoint.
	ServerURL string

	// DBPath is the bbolt cache file. Empty means
	// ~/.repsync/repsync.db, derived in Validate.
	DBPath string

	// ProjectOID selects the active project scope. Empty means library
	// and global scopes only.
	ProjectOID string

	// SandboxOID marks the project scope that never syncs.
	SandboxOID string

	ChunkSize          int
	CallTimeout        time.Duration
	StalenessThreshold time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Default returns the configuration used when neither file nor flags
// say otherwise.
func Default() Config {
	return Config{
		ServerURL:          DefaultServerURL,
		SandboxOID:         DefaultSandboxOID,
		ChunkSize:          DefaultChunkSize,
		CallTimeout:        DefaultCallTimeout,
		StalenessThreshold: DefaultStalenessThreshold,
		LogLevel:           "info",
	}
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server url must use ws or wss, got %q", u.Scheme)
	}

	if c.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("db path is required when the home directory is unknown: %w", err)
		}
		c.DBPath = filepath.Join(home, ".repsync", "repsync.db")
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("staleness threshold must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a config log level to a slog one.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
