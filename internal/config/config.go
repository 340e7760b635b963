package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models deepscribe.yml. API keys are never stored in the file; they
// are resolved from the environment so the config can be committed safely.
type Config struct {
	LLM struct {
		Provider string `yaml:"provider"` // openai or anthropic
		Model    string `yaml:"model"`
	} `yaml:"llm"`
	Retry struct {
		MaxRetries int `yaml:"max_retries"`
		BaseDelay  int `yaml:"base_delay_seconds"`
		MaxDelay   int `yaml:"max_delay_seconds"`
	} `yaml:"retry"`
	Pipeline struct {
		ProgressDelay     time.Duration `yaml:"progress_delay"`
		ResearchCharLimit int           `yaml:"research_char_limit"`
		EditorCharLimit   int           `yaml:"editor_char_limit"`
		MaxSearchQueries  int           `yaml:"max_search_queries"`
	} `yaml:"pipeline"`
	Defaults struct {
		WordCountMin int `yaml:"word_count_min"`
		WordCountMax int `yaml:"word_count_max"`
	} `yaml:"defaults"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Keys are the provider credentials resolved from the environment.
type Keys struct {
	OpenAI    string
	Anthropic string
	Serper    string
}

// KeysFromEnv reads provider credentials from the process environment.
func KeysFromEnv() Keys {
	return Keys{
		OpenAI:    os.Getenv("OPENAI_API_KEY"),
		Anthropic: os.Getenv("ANTHROPIC_API_KEY"),
		Serper:    os.Getenv("SERPER_API_KEY"),
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deepscribe.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = ""
	cfg.Retry.MaxRetries = 5
	cfg.Retry.BaseDelay = 10
	cfg.Retry.MaxDelay = 60
	cfg.Pipeline.ProgressDelay = 500 * time.Millisecond
	cfg.Pipeline.ResearchCharLimit = 6000
	cfg.Pipeline.EditorCharLimit = 12000
	cfg.Pipeline.MaxSearchQueries = 3
	cfg.Defaults.WordCountMin = 1500
	cfg.Defaults.WordCountMax = 3000
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config.llm.provider must be 'openai' or 'anthropic', got %q", c.LLM.Provider)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config.retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay <= 0 {
		return fmt.Errorf("config.retry delays must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config.retry.max_delay_seconds must be >= base_delay_seconds")
	}
	if c.Pipeline.ResearchCharLimit <= 0 || c.Pipeline.EditorCharLimit <= 0 {
		return fmt.Errorf("config.pipeline char limits must be positive")
	}
	if c.Defaults.WordCountMin <= 0 || c.Defaults.WordCountMax < c.Defaults.WordCountMin {
		return fmt.Errorf("config.defaults word counts invalid")
	}
	return nil
}
