// ABOUTME: Configuration loading and parsing for chorus-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chorus-gateway configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Logging   LoggingConfig    `yaml:"logging"`
	Streaming StreamingConfig  `yaml:"streaming"`
	Model     ModelConfig      `yaml:"model"`
	Fanout    FanoutConfig     `yaml:"fanout"`
	Agents    []AgentConfig    `yaml:"agents"`
	Workflows []WorkflowConfig `yaml:"workflows"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`

	SSEHeartbeat    time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	SSEHeartbeatRaw    string `yaml:"sse_heartbeat"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds transcript archive configuration. An empty path
// lets the binary pick its data directory.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StreamingConfig tunes turn handling and conversation retention
type StreamingConfig struct {
	PlaceholderText    string `yaml:"placeholder_text"`
	ErrorText          string `yaml:"error_text"`
	MaxHistoryMessages int    `yaml:"max_history_messages"`
	MaxConversations   int    `yaml:"max_conversations"`
	MaxHops            int    `yaml:"max_hops"`

	StallTimeout    time.Duration `yaml:"-"`
	ConversationTTL time.Duration `yaml:"-"`
	IdempotencyTTL  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StallTimeoutRaw    string `yaml:"stall_timeout"`
	ConversationTTLRaw string `yaml:"conversation_ttl"`
	IdempotencyTTLRaw  string `yaml:"idempotency_ttl"`
}

// ModelConfig selects and tunes the model provider
type ModelConfig struct {
	Provider          string  `yaml:"provider"` // openai, anthropic, echo
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	MaxTokens         int64   `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxToolRounds     int     `yaml:"max_tool_rounds"`
}

// FanoutConfig holds cross-process fan-out configuration
type FanoutConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis stream mirror
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamMaxLen int64  `yaml:"stream_max_len"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// AgentConfig defines or overrides an agent of the built-in catalog
type AgentConfig struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Instructions   string   `yaml:"instructions"`
	HandoffTargets []string `yaml:"handoff_targets"`
	Tools          []string `yaml:"tools"`
	Model          string   `yaml:"model"`
}

// WorkflowConfig defines or replaces a workflow
type WorkflowConfig struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Mode        string       `yaml:"mode"` // sequential, handoff
	Steps       []string     `yaml:"steps"`
	Entry       string       `yaml:"entry"`
	Edges       []EdgeConfig `yaml:"edges"`
}

// EdgeConfig permits one handoff in a workflow
type EdgeConfig struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition"`
}

// Default values applied by Load for unset fields.
const (
	DefaultGRPCAddr        = "127.0.0.1:50051"
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultSSEHeartbeat    = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultProvider        = "echo"
	DefaultStreamMaxLen    = 1000
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists: the echo
// provider on loopback addresses.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.SSEHeartbeat == 0 {
		c.Server.SSEHeartbeat = DefaultSSEHeartbeat
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = DefaultProvider
	}
	if c.Fanout.Redis.StreamMaxLen == 0 {
		c.Fanout.Redis.StreamMaxLen = DefaultStreamMaxLen
	}
	// streaming zero values are resolved by the chat service defaults
}

// Validate checks that all configuration fields are valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.grpc_addr or server.http_addr is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}

	s := c.Streaming
	if s.StallTimeout < 0 || s.ConversationTTL < 0 || s.IdempotencyTTL < 0 {
		return fmt.Errorf("streaming durations must not be negative")
	}
	if s.MaxHistoryMessages < 0 {
		return fmt.Errorf("streaming.max_history_messages must not be negative")
	}
	if s.MaxConversations < 0 {
		return fmt.Errorf("streaming.max_conversations must not be negative")
	}
	if s.MaxHops < 0 {
		return fmt.Errorf("streaming.max_hops must not be negative")
	}

	switch c.Model.Provider {
	case "echo":
	case "openai":
		if c.Model.APIKey == "" && c.Model.BaseURL == "" {
			return fmt.Errorf("model.api_key is required for provider openai (or set model.base_url)")
		}
	case "anthropic":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model.api_key is required for provider anthropic")
		}
	default:
		return fmt.Errorf("model.provider must be one of openai, anthropic, echo; got %q", c.Model.Provider)
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("model.max_tokens must not be negative")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be between 0 and 2")
	}
	if c.Model.RequestsPerSecond < 0 {
		return fmt.Errorf("model.requests_per_second must not be negative")
	}

	if c.Fanout.Redis.Enabled && c.Fanout.Redis.Addr == "" {
		return fmt.Errorf("fanout.redis.addr is required when fanout.redis is enabled")
	}

	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if a.Instructions == "" {
			return fmt.Errorf("agents[%d].instructions is required", i)
		}
	}

	seen := make(map[string]bool, len(c.Workflows))
	for i, w := range c.Workflows {
		if w.Name == "" {
			return fmt.Errorf("workflows[%d].name is required", i)
		}
		if seen[w.Name] {
			return fmt.Errorf("workflows[%d].name %q is defined twice", i, w.Name)
		}
		seen[w.Name] = true
		switch w.Mode {
		case "sequential":
			if len(w.Steps) == 0 {
				return fmt.Errorf("workflows[%d].steps is required for sequential mode", i)
			}
		case "handoff":
			if w.Entry == "" {
				return fmt.Errorf("workflows[%d].entry is required for handoff mode", i)
			}
		default:
			return fmt.Errorf("workflows[%d].mode must be sequential or handoff; got %q", i, w.Mode)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.sse_heartbeat", cfg.Server.SSEHeartbeatRaw, &cfg.Server.SSEHeartbeat},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"streaming.stall_timeout", cfg.Streaming.StallTimeoutRaw, &cfg.Streaming.StallTimeout},
		{"streaming.conversation_ttl", cfg.Streaming.ConversationTTLRaw, &cfg.Streaming.ConversationTTL},
		{"streaming.idempotency_ttl", cfg.Streaming.IdempotencyTTLRaw, &cfg.Streaming.IdempotencyTTL},
		{"fanout.redis.ttl", cfg.Fanout.Redis.TTLRaw, &cfg.Fanout.Redis.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
