package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	AIID     string         `json:"ai_id"`
	Broker   BrokerConfig   `json:"broker"`
	Fallback FallbackConfig `json:"fallback"`
	Database DatabaseConfig `json:"database"`
	Agents   AgentsConfig   `json:"agents"`
	LLM      LLMConfig      `json:"llm"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// BrokerConfig points at the Redis broker carrying the mesh streams.
type BrokerConfig struct {
	RedisURL string `json:"redis_url"`
}

// FallbackConfig tunes the transports used when the broker is down.
type FallbackConfig struct {
	Enabled    bool              `json:"enabled"`
	QueueSize  int               `json:"queue_size"`
	MailboxDir string            `json:"mailbox_dir"`
	HTTPListen string            `json:"http_listen"`
	Peers      map[string]string `json:"peers,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// AgentsConfig locates launchable specialist agent binaries.
type AgentsConfig struct {
	Dir      string `json:"dir"`
	PoolSize int    `json:"pool_size"`
}

// LLMConfig configures the planning model used by the coordinator.
type LLMConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.AIID == "" {
		cfg.AIID = "did:hsp:agentmesh_main"
	}
	return &cfg, nil
}
