package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Providers understood by the model gateway
const (
	ProviderOpenAI    = "openai" // any OpenAI-compatible chat completions endpoint
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Session persistence backends
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Model describes one configured model endpoint
type Model struct {
	Provider          string  `yaml:"provider"`
	Name              string  `yaml:"name"` // model identifier sent to the provider
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env,omitempty"`
	APIKey            string  `yaml:"api_key,omitempty"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// Orchestrator holds the turn loop knobs
type Orchestrator struct {
	MaxToolRounds    int           `yaml:"max_tool_rounds"`
	TransportRetries int           `yaml:"transport_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	ModelTimeout     time.Duration `yaml:"model_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	ToolParallelism  int           `yaml:"tool_parallelism"`
	SystemPrompt     string        `yaml:"system_prompt"`
	Autosave         bool          `yaml:"autosave"`
}

// MCPServer holds configuration for a single stdio MCP server
type MCPServer struct {
	Name      string            `yaml:"name"`
	Command   string            `yaml:"command"`
	Arguments []string          `yaml:"arguments"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// Config holds application configuration
type Config struct {
	DefaultModel string           `yaml:"default_model"`
	Models       map[string]Model `yaml:"models"`

	Orchestrator Orchestrator `yaml:"orchestrator"`

	Session struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"session"`

	Logging struct {
		Level   string `yaml:"level"`
		Dir     string `yaml:"dir"`
		Console bool   `yaml:"console"`
	} `yaml:"logging"`

	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`

	Cache struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	MCP struct {
		Servers []MCPServer `yaml:"servers"`
		Remote  []string    `yaml:"remote"` // http(s):// or ws(s):// endpoints
	} `yaml:"mcp"`

	// Runtime-only settings, set from command line flags
	SessionID string `yaml:"-"`
	Debug     bool   `yaml:"-"`
}

const defaultSystemPrompt = `You are a data analysis assistant with access to tools for inspecting CSV files.
Call a tool whenever the answer depends on file contents, and answer directly otherwise.`

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{
		DefaultModel: "deepseek",
		Models: map[string]Model{
			"deepseek": {
				Provider:    ProviderOpenAI,
				Name:        "deepseek-chat",
				BaseURL:     "https://api.deepseek.com/v1",
				APIKeyEnv:   "DEEPSEEK_API_KEY",
				Temperature: 0.7,
				MaxTokens:   2000,
			},
			"glm": {
				Provider:    ProviderOpenAI,
				Name:        "glm-4",
				BaseURL:     "https://open.bigmodel.cn/api/paas/v4",
				APIKeyEnv:   "GLM_API_KEY",
				Temperature: 0.7,
				MaxTokens:   2000,
			},
			"kimi": {
				Provider:    ProviderOpenAI,
				Name:        "moonshot-v1-8k",
				BaseURL:     "https://api.moonshot.cn/v1",
				APIKeyEnv:   "KIMI_API_KEY",
				Temperature: 0.7,
				MaxTokens:   2000,
			},
			"claude": {
				Provider:    ProviderAnthropic,
				Name:        "claude-sonnet-4-20250514",
				BaseURL:     "https://api.anthropic.com/v1",
				APIKeyEnv:   "ANTHROPIC_API_KEY",
				Temperature: 0.7,
				MaxTokens:   2000,
			},
			"ollama": {
				Provider:    ProviderOllama,
				Name:        "llama3:latest",
				BaseURL:     "http://localhost:11434",
				Temperature: 0.7,
				MaxTokens:   2000,
			},
		},
		Orchestrator: Orchestrator{
			MaxToolRounds:    8,
			TransportRetries: 2,
			RetryBackoff:     time.Second,
			MaxBackoff:       8 * time.Second,
			ModelTimeout:     120 * time.Second,
			ToolTimeout:      30 * time.Second,
			ToolParallelism:  4,
			SystemPrompt:     defaultSystemPrompt,
			Autosave:         true,
		},
	}

	cfg.Session.Backend = StorageFile
	cfg.Session.Dir = "chat_history"
	cfg.Session.DBPath = "toolchat.db"

	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"

	cfg.Data.Dir = "data"
	cfg.Cache.TTL = 5 * time.Minute

	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and validates it
func Parse(data []byte, cfg *Config) error {
	// Model entries named in the file replace the built-in entry of the
	// same name; other built-in models are kept.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Validate checks that required fields are present and valid
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	if _, ok := c.Models[c.DefaultModel]; !ok {
		return fmt.Errorf("default_model %q is not configured", c.DefaultModel)
	}
	for name, m := range c.Models {
		switch m.Provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		default:
			return fmt.Errorf("models.%s.provider %q must be one of openai|anthropic|ollama", name, m.Provider)
		}
		if m.Name == "" {
			return fmt.Errorf("models.%s.name is required", name)
		}
		if m.BaseURL == "" {
			return fmt.Errorf("models.%s.base_url is required", name)
		}
		if m.RequestsPerSecond < 0 {
			return fmt.Errorf("models.%s.requests_per_second must not be negative", name)
		}
	}

	o := c.Orchestrator
	if o.MaxToolRounds < 1 {
		return fmt.Errorf("orchestrator.max_tool_rounds must be at least 1")
	}
	if o.TransportRetries < 0 {
		return fmt.Errorf("orchestrator.transport_retries must not be negative")
	}
	if o.ToolParallelism < 1 {
		return fmt.Errorf("orchestrator.tool_parallelism must be at least 1")
	}
	if o.ModelTimeout <= 0 || o.ToolTimeout <= 0 {
		return fmt.Errorf("orchestrator timeouts must be positive")
	}

	switch c.Session.Backend {
	case StorageFile:
		if c.Session.Dir == "" {
			return fmt.Errorf("session.dir is required for the file backend")
		}
	case StorageSQLite:
		if c.Session.DBPath == "" {
			return fmt.Errorf("session.db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("session.backend %q must be file or sqlite", c.Session.Backend)
	}

	for i, server := range c.MCP.Servers {
		if server.Name == "" {
			return fmt.Errorf("mcp.servers[%d].name is required", i)
		}
		if server.Command == "" {
			return fmt.Errorf("mcp.servers[%d].command is required", i)
		}
	}
	for i, url := range c.MCP.Remote {
		if !strings.Contains(url, "://") {
			return fmt.Errorf("mcp.remote[%d] %q must be an absolute URL", i, url)
		}
	}

	return nil
}
