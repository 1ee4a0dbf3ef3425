// Package config loads adapter settings from the environment. Every field
// has a default so a zero-configuration deployment works; the populated
// struct is passed around explicitly.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Event store backends selectable via EVENT_STORE.
const (
	EventStoreMemory = "memory"
	EventStoreRedis  = "redis"
)

// Config holds every tunable of the adapter.
type Config struct {
	// ServerName and ServerVersion identify this server in the initialize
	// handshake.
	ServerName    string `env:"MCP_SERVER_NAME,default=mcp-adapter"`
	ServerVersion string `env:"MCP_SERVER_VERSION,default=0.0.0"`
	// Instructions is the free-form usage hint returned to clients.
	Instructions string `env:"MCP_INSTRUCTIONS,default="`

	// MCPPath is the streamable HTTP endpoint path.
	MCPPath string `env:"MCP_PATH,default=/mcp"`
	// SSEPath and MessagesPath serve the event-stream fallback.
	SSEPath      string `env:"MCP_SSE_PATH,default=/sse"`
	MessagesPath string `env:"MCP_MESSAGES_PATH,default=/messages"`

	// EnableStreamable and EnableSSE toggle the two transports.
	EnableStreamable bool `env:"MCP_ENABLE_STREAMABLE,default=true"`
	EnableSSE        bool `env:"MCP_ENABLE_SSE,default=true"`

	// JSONResponse switches the streamable POST answer from a per-request
	// SSE stream to a plain application/json body.
	JSONResponse bool `env:"MCP_JSON_RESPONSE,default=false"`

	// MaxSessions caps concurrently live sessions. Zero means unlimited.
	// Enforced when a new session is admitted on the streamable path.
	MaxSessions int `env:"MCP_MAX_SESSIONS,default=0"`

	// IdleTimeout and SweepInterval drive the idle session reaper.
	IdleTimeout   time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=30m"`
	SweepInterval time.Duration `env:"MCP_SESSION_SWEEP_INTERVAL,default=5m"`

	// EventStore selects the resumability journal backend: "memory" or
	// "redis" (configured via the redisstore env vars).
	EventStore string `env:"MCP_EVENT_STORE,default=memory"`
}

// FromEnv loads a Config from the environment and validates it.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the zero-environment configuration.
func Default() Config {
	return Config{
		ServerName:       "mcp-adapter",
		ServerVersion:    "0.0.0",
		MCPPath:          "/mcp",
		SSEPath:          "/sse",
		MessagesPath:     "/messages",
		EnableStreamable: true,
		EnableSSE:        true,
		EventStore:       EventStoreMemory,
		IdleTimeout:      30 * time.Minute,
		SweepInterval:    5 * time.Minute,
	}
}

// Validate rejects settings no deployment can run with.
func (c Config) Validate() error {
	if !c.EnableStreamable && !c.EnableSSE {
		return fmt.Errorf("at least one transport must be enabled")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", c.MaxSessions)
	}
	switch c.EventStore {
	case EventStoreMemory, EventStoreRedis:
	default:
		return fmt.Errorf("unknown event store backend %q", c.EventStore)
	}
	return nil
}
