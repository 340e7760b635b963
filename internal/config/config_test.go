package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != "openai" {
		t.Fatalf("provider %q", cfg.LLM.Provider)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BaseDelay != 10 || cfg.Retry.MaxDelay != 60 {
		t.Fatalf("retry defaults %+v", cfg.Retry)
	}
	if cfg.Pipeline.ProgressDelay != 500*time.Millisecond {
		t.Fatalf("progress delay %v", cfg.Pipeline.ProgressDelay)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	yml := []byte("llm:\n  provider: anthropic\n  model: claude-haiku-4-5\nserver:\n  addr: ':9090'\n")
	if err := os.WriteFile(filepath.Join(dir, "deepscribe.yml"), yml, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-haiku-4-5" {
		t.Fatalf("llm %+v", cfg.LLM)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
	// Unset sections keep defaults.
	if cfg.Defaults.WordCountMin != 1500 {
		t.Fatalf("word count min %d", cfg.Defaults.WordCountMin)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown provider":    func(c *Config) { c.LLM.Provider = "cohere" },
		"negative retries":    func(c *Config) { c.Retry.MaxRetries = -1 },
		"zero base delay":     func(c *Config) { c.Retry.BaseDelay = 0 },
		"max below base":      func(c *Config) { c.Retry.MaxDelay = 5 },
		"zero research limit": func(c *Config) { c.Pipeline.ResearchCharLimit = 0 },
		"inverted word count": func(c *Config) { c.Defaults.WordCountMax = 100 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
