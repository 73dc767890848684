package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config with TOML tags. Durations are strings so
// the file can say "30s" instead of nanosecond counts.
type FileConfig struct {
	ServerURL          string `toml:"server_url"`
	DBPath             string `toml:"db_path"`
	ProjectOID         string `toml:"project_oid"`
	SandboxOID         string `toml:"sandbox_oid"`
	ChunkSize          int    `toml:"chunk_size"`
	CallTimeout        string `toml:"call_timeout"`
	StalenessThreshold string `toml:"staleness_threshold"`
	LogLevel           string `toml:"log_level"`
}

// LoadFile reads and parses a TOML config file.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return fc, nil
}

// DefaultPath returns ~/.repsync/config.toml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".repsync", "config.toml")
	}
	return ""
}

// FileExists reports whether a file exists at path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ApplyFile overlays file values onto cfg, skipping fields whose flags
// were explicitly set on the command line.
func ApplyFile(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := setter{changed: changed}

	s.setString("server", fc.ServerURL, &cfg.ServerURL)
	s.setString("db", fc.DBPath, &cfg.DBPath)
	s.setString("project", fc.ProjectOID, &cfg.ProjectOID)
	s.setString("sandbox", fc.SandboxOID, &cfg.SandboxOID)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setInt("chunk-size", fc.ChunkSize, &cfg.ChunkSize)

	if err := s.setDuration("call-timeout", fc.CallTimeout, &cfg.CallTimeout); err != nil {
		return err
	}
	return s.setDuration("staleness", fc.StalenessThreshold, &cfg.StalenessThreshold)
}

// setter applies file values only when the matching flag was left
// untouched.
type setter struct {
	changed map[string]bool
}

func (s setter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s setter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s setter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", flag, err)
	}
	*dst = d
	return nil
}
