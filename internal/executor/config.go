package executor

import (
	"strings"
	"time"

	"github.com/danmuck/decexec/internal/protocol/session"
)

// Config is one executor node's runtime shape.
type Config struct {
	NodeID     string
	ListenAddr string
	// AdminAddr enables the admin HTTP surface when set.
	AdminAddr   string
	CORSOrigins []string
	// RateLimit is the sustained exec rate allowed per session, per second.
	// Zero disables limiting.
	RateLimit   float64
	RateBurst   int
	ExecTimeout time.Duration
	// AuthTokens, when non-empty, are the hello tokens admitted.
	AuthTokens []string
	Session    session.Config
}

func DefaultConfig() Config {
	return Config{
		NodeID:      "executor.local",
		ListenAddr:  ":50050",
		RateBurst:   1,
		ExecTimeout: 10 * time.Minute,
		Session:     session.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = def.NodeID
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = def.ExecTimeout
	}
	c.Session = c.Session.WithDefaults()
	return c
}
