package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.API.Port)
	}
	if cfg.LLM.DefaultModel != "anthropic:claude-sonnet-4-5-20250929" {
		t.Fatalf("unexpected default model: %q", cfg.LLM.DefaultModel)
	}
	if cfg.Storage.Backend != "local" {
		t.Fatalf("expected default storage backend local, got %q", cfg.Storage.Backend)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load should not error on a missing file: %v", err)
	}
	if cfg.API.Port != 8000 {
		t.Fatalf("expected default port, got %d", cfg.API.Port)
	}
}

func TestLoadReadsTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rem.toml")
	contents := `
environment = "production"

[api]
port = 9090

[postgres]
connection_string = "postgres://custom/db"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("expected environment production, got %q", cfg.Environment)
	}
	if cfg.API.Port != 9090 {
		t.Fatalf("expected port 9090 from file, got %d", cfg.API.Port)
	}
	if cfg.Postgres.ConnectionString != "postgres://custom/db" {
		t.Fatalf("unexpected connection string: %q", cfg.Postgres.ConnectionString)
	}
	// Fields not present in the file keep their defaults.
	if cfg.LLM.DefaultTemp != 0.5 {
		t.Fatalf("expected default temperature to survive, got %v", cfg.LLM.DefaultTemp)
	}
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rem.toml")
	if err := os.WriteFile(path, []byte("[api]\nport = 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("REM_API_PORT", "7070")
	t.Setenv("REM_LLM_ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("REM_AUTH_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != 7070 {
		t.Fatalf("expected env override to win, got port %d", cfg.API.Port)
	}
	if cfg.LLM.AnthropicAPIKey != "sk-ant-test" {
		t.Fatalf("expected anthropic api key from env, got %q", cfg.LLM.AnthropicAPIKey)
	}
	if !cfg.Auth.Enabled {
		t.Fatal("expected auth.enabled to be overridden to true")
	}
}
