// Package config holds all concierge configuration: routing thresholds,
// retrieval tuning, service endpoints, and logging. Values load from a JSON
// or YAML file with environment overrides for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"concierge/internal/embedding"
)

// Config holds all concierge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	// Persona shown to the generation model
	Persona PersonaConfig `yaml:"persona" json:"persona"`

	// LLM generation configuration
	LLM LLMConfig `yaml:"llm" json:"llm"`

	// Embedding engine configuration
	Embedding embedding.Config `yaml:"embedding" json:"embedding"`

	// Intent routing thresholds and exemplars
	Routing RoutingConfig `yaml:"routing" json:"routing"`

	// Retrieval and context assembly
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`

	// Optional rerank service
	Rerank RerankConfig `yaml:"rerank" json:"rerank"`

	// Vector store service
	VectorStore VectorStoreConfig `yaml:"vector_store" json:"vector_store"`

	// Live-data tool gateway
	Tools ToolsConfig `yaml:"tools" json:"tools"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// PersonaConfig describes who the assistant speaks as.
type PersonaConfig struct {
	Owner        string `yaml:"owner" json:"owner"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
}

// LLMConfig configures the chat-completion backend.
type LLMConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Model answers user-facing turns; RouterModel serves the LLM routing
	// strategy and should be the cheapest model available.
	Model       string  `yaml:"model" json:"model"`
	RouterModel string  `yaml:"router_model" json:"router_model"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	Timeout     string  `yaml:"timeout" json:"timeout"`
}

// VectorStoreConfig configures the external vector store service.
type VectorStoreConfig struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Tenant   string `yaml:"tenant" json:"tenant"`
	Database string `yaml:"database" json:"database"`
	Timeout  string `yaml:"timeout" json:"timeout"`
}

// RerankConfig configures the optional rerank pass after vector search.
type RerankConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	Model    string `yaml:"model" json:"model"`
	Timeout  string `yaml:"timeout" json:"timeout"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Level      string          `yaml:"level" json:"level"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "concierge",
		Version: "1.0.0",

		Persona: PersonaConfig{
			Owner: "the site owner",
			SystemPrompt: "You are a friendly concierge for a personal portfolio site. " +
				"Answer on behalf of the site owner using any provided context. " +
				"Be concise, never invent biographical facts, and say so when you don't know.",
		},

		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			RouterModel: "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
			Timeout:     "60s",
		},

		Embedding: embedding.DefaultConfig(),

		Routing:   DefaultRoutingConfig(),
		Retrieval: DefaultRetrievalConfig(),

		Rerank: RerankConfig{
			Enabled:  false,
			Endpoint: "https://api.jina.ai/v1/rerank",
			Model:    "jina-reranker-v2-base-multilingual",
			Timeout:  "15s",
		},

		VectorStore: VectorStoreConfig{
			BaseURL:  "http://localhost:8000",
			Tenant:   "default_tenant",
			Database: "default_database",
			Timeout:  "20s",
		},

		Tools: DefaultToolsConfig(),

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a JSON or YAML file, applying defaults for
// anything unset and environment overrides on top. A missing file yields
// defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration, choosing JSON or YAML by extension the
// same way Load does.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultPath returns the default config location under the workspace.
func DefaultPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".concierge", "config.json")
	}
	return filepath.Join(cwd, ".concierge", "config.json")
}

// applyEnvOverrides applies environment variable overrides. Secrets are
// expected here rather than in config files.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("CONCIERGE_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("CONCIERGE_LLM_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Embedding.OllamaEndpoint = host
	}

	if url := os.Getenv("CONCIERGE_VECTOR_URL"); url != "" {
		c.VectorStore.BaseURL = url
	}
	if key := os.Getenv("RERANK_API_KEY"); key != "" {
		c.Rerank.APIKey = key
	}
	if url := os.Getenv("CONCIERGE_MCP_URL"); url != "" {
		c.Tools.Server.URL = url
		c.Tools.Server.Protocol = "http"
	}
}

// GetTimeout returns the LLM timeout as a duration.
func (l LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(l.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return c.LLM.GetTimeout()
}

// GetVectorStoreTimeout returns the vector store timeout as a duration.
func (c *Config) GetVectorStoreTimeout() time.Duration {
	d, err := time.ParseDuration(c.VectorStore.Timeout)
	if err != nil {
		return 20 * time.Second
	}
	return d
}

// GetRerankTimeout returns the rerank timeout as a duration.
func (c *Config) GetRerankTimeout() time.Duration {
	d, err := time.ParseDuration(c.Rerank.Timeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// Validate checks that the pieces needed for a chat turn are present.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENAI_API_KEY or CONCIERGE_LLM_API_KEY)")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("LLM base URL not configured")
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	return nil
}
