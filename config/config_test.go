package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MCPPath != "/mcp" || cfg.SSEPath != "/sse" || cfg.MessagesPath != "/messages" {
		t.Fatalf("paths = %q %q %q", cfg.MCPPath, cfg.SSEPath, cfg.MessagesPath)
	}
	if !cfg.EnableStreamable || !cfg.EnableSSE {
		t.Fatal("both transports should default on")
	}
	if cfg.IdleTimeout != 30*time.Minute || cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("reaper defaults = %s / %s", cfg.IdleTimeout, cfg.SweepInterval)
	}
	if cfg.EventStore != EventStoreMemory {
		t.Fatalf("event store = %q", cfg.EventStore)
	}
	if cfg.MaxSessions != 0 {
		t.Fatalf("max sessions = %d", cfg.MaxSessions)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MCP_MAX_SESSIONS", "16")
	t.Setenv("MCP_SESSION_IDLE_TIMEOUT", "90s")
	t.Setenv("MCP_JSON_RESPONSE", "true")
	t.Setenv("MCP_EVENT_STORE", "redis")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MaxSessions != 16 {
		t.Fatalf("max sessions = %d", cfg.MaxSessions)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("idle timeout = %s", cfg.IdleTimeout)
	}
	if !cfg.JSONResponse {
		t.Fatal("json response should be on")
	}
	if cfg.EventStore != EventStoreRedis {
		t.Fatalf("event store = %q", cfg.EventStore)
	}
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"no transports":     func(c *Config) { c.EnableStreamable = false; c.EnableSSE = false },
		"bad idle timeout":  func(c *Config) { c.IdleTimeout = 0 },
		"bad interval":      func(c *Config) { c.SweepInterval = -time.Second },
		"negative sessions": func(c *Config) { c.MaxSessions = -1 },
		"bad event store":   func(c *Config) { c.EventStore = "etcd" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
