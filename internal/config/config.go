package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Listen    string `json:"listen"`
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	Retention struct {
		MaxSessions    int    `json:"max_sessions"`
		IdleTTLMinutes int    `json:"idle_ttl_minutes"`
		SweepSchedule  string `json:"sweep_schedule"`
	} `json:"retention"`
	Sink struct {
		URL       string `json:"url"`
		Token     string `json:"token"`
		QueueSize int    `json:"queue_size"`
	} `json:"sink"`
	Persona struct {
		Enabled            bool   `json:"enabled"`
		SystemPrompt       string `json:"system_prompt"`
		MaxConcurrentCalls int64  `json:"max_concurrent_calls"`
	} `json:"persona"`
	LLM struct {
		BaseURL     string  `json:"base_url"`
		APIKey      string  `json:"api_key"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
	} `json:"llm"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Listen:   "127.0.0.1:8089",
		DataDir:  filepath.Join(os.Getenv("HOME"), ".agentlens"),
		LogLevel: "info",
	}
	cfg.Retention.MaxSessions = 1000
	cfg.Retention.IdleTTLMinutes = 240
	cfg.Retention.SweepSchedule = "*/5 * * * *"
	cfg.Sink.QueueSize = 256
	cfg.Persona.Enabled = true
	cfg.Persona.MaxConcurrentCalls = 4
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if sinkURL := os.Getenv("AGENTLENS_SINK_URL"); sinkURL != "" {
		cfg.Sink.URL = sinkURL
	}
	if sinkToken := os.Getenv("AGENTLENS_SINK_TOKEN"); sinkToken != "" {
		cfg.Sink.Token = sinkToken
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
