package server

import (
	"fmt"
	"time"

	"github.com/waterbug/repsync/pkg/api"
)

// Config holds the server settings.
type Config struct {
	// Addr is the address the HTTP listener binds to.
	Addr string

	// DBPath is the sqlite database file. Parent directories must exist.
	DBPath string

	// TokenSecret signs session tokens. When empty a random secret is
	// generated at startup; outstanding tokens then die with the process
	// and clients fall back to the signature challenge.
	TokenSecret string

	// TokenTTL is how long issued session tokens stay valid.
	TokenTTL time.Duration

	// MinProtocol is the lowest protocol revision the server accepts.
	MinProtocol int

	// DevMode enrolls unknown users at first contact instead of refusing
	// them, and seeds the dev organization they are assigned to. Leave
	// off outside development.
	DevMode bool

	// HandshakeRate and HandshakeWindow throttle connection attempts per
	// client IP. Zero rate disables the limiter.
	HandshakeRate   int
	HandshakeWindow time.Duration

	// Version is reported by the health endpoint. Informational only.
	Version string
}

// DefaultConfig returns the settings a development server runs with.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8420",
		DBPath:          "repsyncd.db",
		TokenTTL:        time.Hour,
		MinProtocol:     api.ProtocolVersion,
		DevMode:         true,
		HandshakeRate:   30,
		HandshakeWindow: time.Minute,
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if c.MinProtocol < 1 || c.MinProtocol > api.ProtocolVersion {
		return fmt.Errorf("min protocol must be between 1 and %d", api.ProtocolVersion)
	}
	if c.HandshakeRate < 0 {
		return fmt.Errorf("handshake rate must not be negative")
	}
	if c.HandshakeRate > 0 && c.HandshakeWindow <= 0 {
		return fmt.Errorf("handshake window must be positive")
	}
	return nil
}
