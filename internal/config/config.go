// Package config holds the flat configuration structs for the LabFlow
// server, agent and CLI. Values come from flags first, LF_* environment
// variables second, defaults last.
package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig configures the control-plane server.
type ServerConfig struct {
	Addr      string // Listen address (default ":8000")
	LogLevel  string // debug, info, warn, error
	LogFormat string // text, json

	DBPath    string // SQLite database path (":memory:" for testing)
	RedisAddr string // Queue/KV substrate address
	RedisDB   int
	RedisPass string

	BasePath string // Root for filesystem artifact storage (LF_BASEPATH)

	// S3Bucket switches artifact storage to S3 when non-empty.
	S3Bucket string

	// SecretKey signs access tokens.
	SecretKey       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ClustersFile / MachinesFile are the declarative autoscaler specs.
	ClustersFile string
	MachinesFile string

	// TriggerInterval is the periodic trigger's tick.
	TriggerInterval time.Duration
	// ScaleInterval is the autoscaler's reconciliation tick.
	ScaleInterval time.Duration

	// EventTTL bounds the lifetime of per-execution event streams.
	EventTTL time.Duration
}

// DefaultServerConfig returns sensible defaults, overridden by LF_* env.
func DefaultServerConfig() ServerConfig {
	cfg := ServerConfig{
		Addr:            ":8000",
		LogLevel:        "info",
		LogFormat:       "text",
		RedisAddr:       "localhost:6379",
		BasePath:        envOr("LF_BASEPATH", ""),
		SecretKey:       os.Getenv("LF_SECRET_KEY"),
		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 168 * time.Hour,
		TriggerInterval: 30 * time.Second,
		ScaleInterval:   60 * time.Second,
		EventTTL:        2 * time.Hour,
	}
	if v := os.Getenv("LF_SQL"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LF_REDIS"); v != "" {
		cfg.RedisAddr = v
	}
	return cfg
}

// AgentConfig configures one node supervisor.
type AgentConfig struct {
	Name      string   // Stable per process; derived from MachineID if empty
	Cluster   string   // Cluster this node belongs to
	QNames    []string // Queue names before cluster prefixing
	WorkersN  int      // Number of job-executing workers (must be >= 1)
	MachineID string

	HeartbeatTTL time.Duration // Liveness key TTL; must exceed CheckEvery
	CheckEvery   time.Duration // Heartbeat refresh interval

	ServerURL    string // Control-plane URL (LF_WORKFLOW_SERVICE)
	AgentToken   string // Bearer token for the agent account (LF_AGENT_TOKEN)
	RefreshToken string // LF_AGENT_REFRESH_TOKEN

	RedisAddr string
	RedisDB   int
	RedisPass string

	WorkDir   string // Scratch space for task execution
	LogLevel  string
	LogFormat string

	// RunLocal skips history registration (LF_RUN_LOCAL=yes).
	RunLocal bool
}

// DefaultAgentConfig returns agent defaults, overridden by LF_* env.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Cluster:      "default",
		QNames:       []string{"default"},
		WorkersN:     1,
		HeartbeatTTL: 90 * time.Second,
		CheckEvery:   30 * time.Second,
		ServerURL:    envOr("LF_WORKFLOW_SERVICE", "http://localhost:8000"),
		AgentToken:   os.Getenv("LF_AGENT_TOKEN"),
		RefreshToken: os.Getenv("LF_AGENT_REFRESH_TOKEN"),
		RedisAddr:    envOr("LF_REDIS", "localhost:6379"),
		LogLevel:     "info",
		LogFormat:    "text",
		RunLocal:     os.Getenv("LF_RUN_LOCAL") == "yes",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvInt reads an integer env var, returning fallback on absence or parse
// failure.
func EnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
