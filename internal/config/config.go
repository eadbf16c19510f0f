// Package config handles mcphost configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Defaults applied by Load and Default.
const (
	DefaultPort               = 8080
	DefaultMaxRounds          = 10
	DefaultCallTimeout        = 30 * time.Second
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultCollisionPolicy    = "first_wins"
	DefaultWeatherProvider    = "weather"
)

// Config holds all mcphost configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Loop      LoopConfig      `yaml:"loop"`
	MCP       MCPConfig       `yaml:"mcp"`
	Weather   WeatherConfig   `yaml:"weather"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// OllamaConfig routes selected models to a local Ollama instance.
type OllamaConfig struct {
	URL    string   `yaml:"url"`
	Models []string `yaml:"models"`
}

// LoopConfig tunes the tool-call loop.
type LoopConfig struct {
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	// MaxRounds bounds model/tool round trips per request.
	MaxRounds int `yaml:"max_rounds"`
}

// MCPConfig defines the upstream MCP servers and how their tools merge.
type MCPConfig struct {
	// CollisionPolicy is first_wins, last_wins or prefix.
	CollisionPolicy    string         `yaml:"collision_policy"`
	CallTimeout        time.Duration  `yaml:"call_timeout"`
	SessionIdleTimeout time.Duration  `yaml:"session_idle_timeout"`
	Servers            []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one upstream MCP server.
type ServerConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // subprocess, remote, local
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`
	Dir       string            `yaml:"dir"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Stateless bool              `yaml:"stateless"`
	Provider  string            `yaml:"provider"`
	Enabled   *bool             `yaml:"enabled"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
}

// IsEnabled reports whether the server starts enabled. Servers are
// enabled unless the config says otherwise.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// WeatherConfig configures the bundled weather provider.
type WeatherConfig struct {
	// APIKey falls back to WEATHER_API_KEY, then "demo".
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Units   string `yaml:"units"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration with the bundled weather
// provider mounted as a local server.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: DefaultPort},
		MCP: MCPConfig{
			Servers: []ServerConfig{
				{ID: DefaultWeatherProvider, Transport: "local", Provider: DefaultWeatherProvider},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Loop.MaxRounds == 0 {
		c.Loop.MaxRounds = DefaultMaxRounds
	}
	if c.MCP.CollisionPolicy == "" {
		c.MCP.CollisionPolicy = DefaultCollisionPolicy
	}
	if c.MCP.CallTimeout == 0 {
		c.MCP.CallTimeout = DefaultCallTimeout
	}
	if c.MCP.SessionIdleTimeout == 0 {
		c.MCP.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if c.Weather.APIKey == "" {
		c.Weather.APIKey = os.Getenv("WEATHER_API_KEY")
	}
	if c.Weather.APIKey == "" {
		c.Weather.APIKey = "demo"
	}
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	c.DataDir = expandHome(c.DataDir)
	for i := range c.MCP.Servers {
		c.MCP.Servers[i].Command = expandHome(c.MCP.Servers[i].Command)
		c.MCP.Servers[i].Dir = expandHome(c.MCP.Servers[i].Dir)
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the configuration for errors that would prevent
// startup. Problems with individual servers are collected and returned
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Loop.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("loop.max_rounds must be positive, got %d", c.Loop.MaxRounds))
	}
	switch c.MCP.CollisionPolicy {
	case "first_wins", "last_wins", "prefix":
	default:
		errs = append(errs, fmt.Errorf("mcp.collision_policy %q (valid: first_wins, last_wins, prefix)", c.MCP.CollisionPolicy))
	}
	if c.MCP.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("mcp.call_timeout must not be negative"))
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true

		switch s.Transport {
		case "subprocess":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: subprocess transport requires command", s.ID))
			}
		case "remote":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: remote transport requires url", s.ID))
			}
		case "local":
			if s.Provider == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: local transport requires provider", s.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp server %q: unknown transport %q", s.ID, s.Transport))
		}
	}

	return errors.Join(errs...)
}
