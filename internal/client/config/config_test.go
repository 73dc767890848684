package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, DefaultSandboxOID, cfg.SandboxOID)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, DefaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, DefaultStalenessThreshold, cfg.StalenessThreshold)
	assert.Empty(t, cfg.ProjectOID, "no active project out of the box")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DBPath = "/tmp/repsync-test.db"
	require.NoError(t, cfg.Validate())
}

func TestValidate_DerivesDBPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.DBPath, ".repsync")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server url", func(c *Config) { c.ServerURL = "" }},
		{"http scheme", func(c *Config) { c.ServerURL = "http://localhost:8420" }},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"negative call timeout", func(c *Config) { c.CallTimeout = -time.Second }},
		{"zero staleness threshold", func(c *Config) { c.StalenessThreshold = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DBPath = "/tmp/repsync-test.db"
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}
