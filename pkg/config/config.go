package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	Listen  string       `yaml:"listen"`
	DBPath  string       `yaml:"db_path"`
	Ollama  OllamaConfig `yaml:"ollama"`
	Auth    AuthConfig   `yaml:"auth"`
	Cache   CacheConfig  `yaml:"cache"`
	Retry   RetryConfig  `yaml:"retry"`
	Pricing []ModelPrice `yaml:"pricing"`
}

// OllamaConfig points at the local Ollama runtime.
type OllamaConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig controls bearer-token issuance and verification.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RetryConfig controls the retry/fallback controller.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	FallbackModels []string `yaml:"fallback_models"`
}

// ModelPrice defines USD cost per 1K tokens for one model prefix. Served
// verbatim by the gateway's pricing endpoint, hence the JSON tags.
type ModelPrice struct {
	Model       string  `yaml:"model" json:"model"`
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "relay.db",
		Ollama: OllamaConfig{
			URL:     "http://localhost:11434",
			Timeout: 2 * time.Minute,
		},
		Auth: AuthConfig{
			Secret:   "dev-secret-change-in-production",
			TokenTTL: 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled:    true,
			DefaultTTL: time.Hour,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			FallbackModels: []string{"llama2", "mistral", "llama3"},
		},
		Pricing: []ModelPrice{
			{Model: "llama2", InputPer1K: 0.0001, OutputPer1K: 0.0002},
			{Model: "llama3", InputPer1K: 0.00015, OutputPer1K: 0.0003},
			{Model: "mistral", InputPer1K: 0.0001, OutputPer1K: 0.0002},
			{Model: "codellama", InputPer1K: 0.0001, OutputPer1K: 0.0002},
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}
