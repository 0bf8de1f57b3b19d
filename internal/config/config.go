package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models relayboard.yml.
type Config struct {
	Server struct {
		Addr    string `yaml:"addr"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`
	Auth struct {
		// TokenSecret signs WebSocket subscribe tokens (HS256).
		TokenSecret     string `yaml:"token_secret"`
		TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
	} `yaml:"auth"`
	WS struct {
		MaxKeyConnections       int `yaml:"max_key_connections"`
		MaxWorkspaceConnections int `yaml:"max_workspace_connections"`
		TokensPerMinute         int `yaml:"tokens_per_minute"`
	} `yaml:"ws"`
	Board struct {
		AgentStaleSeconds int `yaml:"agent_stale_seconds"`
		DefaultLimit      int `yaml:"default_limit"`
		MaxLimit          int `yaml:"max_limit"`
		ClaimTTLSeconds   int `yaml:"claim_ttl_seconds"`
	} `yaml:"board"`
}

const fileName = "relayboard.yml"

// Path returns the config path inside a workspace directory.
func Path(workspace string) string {
	return filepath.Join(workspace, fileName)
}

// Default returns a config with all operational knobs set.
func Default() *Config {
	var c Config
	c.Server.Addr = ":8787"
	c.Server.BaseURL = "http://localhost:8787"
	c.Auth.TokenTTLSeconds = 60
	c.WS.MaxKeyConnections = 5
	c.WS.MaxWorkspaceConnections = 50
	c.WS.TokensPerMinute = 30
	c.Board.AgentStaleSeconds = 300
	c.Board.DefaultLimit = 50
	c.Board.MaxLimit = 1000
	c.Board.ClaimTTLSeconds = 300
	return &c
}

// Load reads relayboard.yml from the workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document, filling unset knobs
// from defaults.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the operational knobs are sane.
func (c *Config) Validate() error {
	if c.Auth.TokenTTLSeconds <= 0 {
		return fmt.Errorf("config.auth.token_ttl_seconds must be positive")
	}
	if c.WS.MaxKeyConnections <= 0 {
		return fmt.Errorf("config.ws.max_key_connections must be positive")
	}
	if c.WS.MaxWorkspaceConnections < c.WS.MaxKeyConnections {
		return fmt.Errorf("config.ws.max_workspace_connections must be >= max_key_connections")
	}
	if c.WS.TokensPerMinute <= 0 {
		return fmt.Errorf("config.ws.tokens_per_minute must be positive")
	}
	if c.Board.AgentStaleSeconds <= 0 {
		return fmt.Errorf("config.board.agent_stale_seconds must be positive")
	}
	if c.Board.DefaultLimit <= 0 || c.Board.MaxLimit < c.Board.DefaultLimit {
		return fmt.Errorf("config.board limits invalid")
	}
	if c.Board.ClaimTTLSeconds <= 0 {
		return fmt.Errorf("config.board.claim_ttl_seconds must be positive")
	}
	return nil
}

// ToYAML renders the config for `rb init`.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
