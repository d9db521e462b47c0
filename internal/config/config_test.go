package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

// clearEnv neutralizes the env overrides so tests see only the file.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "AGENTLENS_SINK_URL", "AGENTLENS_SINK_TOKEN"} {
		t.Setenv(name, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8089" {
		t.Errorf("default listen = %q", cfg.Listen)
	}
	if cfg.Retention.MaxSessions != 1000 || cfg.Retention.IdleTTLMinutes != 240 {
		t.Errorf("default retention = %+v", cfg.Retention)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written on first load: %v", err)
	}

	// Reload must read the written file, not rewrite it.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Listen != cfg.Listen || reloaded.LLM.Model != cfg.LLM.Model {
		t.Error("reloaded config differs from written defaults")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("AGENTLENS_SINK_URL", "https://backend.example")

	cfg, err := Load(tempConfigPath(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want env override", cfg.LLM.APIKey)
	}
	if cfg.Sink.URL != "https://backend.example" {
		t.Errorf("sink url = %q, want env override", cfg.Sink.URL)
	}
}

func TestSetValue_String(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	if err := SetValue(path, "llm.model", "gpt-4o"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", cfg.LLM.Model)
	}
}

func TestSetValue_NumericAndBool(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	if err := SetValue(path, "retention.max_sessions", "500"); err != nil {
		t.Fatalf("SetValue numeric failed: %v", err)
	}
	if err := SetValue(path, "persona.enabled", "false"); err != nil {
		t.Fatalf("SetValue bool failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retention.MaxSessions != 500 {
		t.Errorf("max_sessions = %d, want 500", cfg.Retention.MaxSessions)
	}
	if cfg.Persona.Enabled {
		t.Error("persona.enabled still true after set")
	}
}

func TestSetValue_TypeEnforced(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	err := SetValue(path, "retention.max_sessions", "lots")
	if err == nil {
		t.Fatal("expected type error for non-numeric value")
	}
	if !strings.Contains(err.Error(), "retention.max_sessions") {
		t.Errorf("error does not name the key: %v", err)
	}
}

func TestSetValue_UnknownKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	if err := SetValue(path, "nope.nothing", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestGetValue_MasksSecrets(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(path, "llm.api_key", "sk-test123456"); err != nil {
		t.Fatal(err)
	}

	val, err := GetValue(path, "llm.api_key")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if val != "***3456" {
		t.Errorf("expected masked secret, got %v", val)
	}

	model, err := GetValue(path, "llm.model")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if model != "gpt-4o-mini" {
		t.Errorf("model = %v", model)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	if _, err := GetValue(path, "llm.mystery"); err == nil {
		t.Error("expected error for unknown key")
	}
}
