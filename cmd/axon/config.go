package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all axon server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	LogFormat         string `json:"log_format"`
	OverflowThreshold int    `json:"overflow_threshold"`

	ModelName      string `json:"model_name"`
	ModelBaseURL   string `json:"model_base_url"`
	ModelAPIKeyEnv string `json:"model_api_key_env"`
	ModelWorkers   int    `json:"model_workers"`

	SchedulerEnabled  bool `json:"scheduler_enabled"`
	SchedulerInterval int  `json:"scheduler_interval_seconds"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4700",
		DBPath:            filepath.Join(axonDir(), "axon.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		ModelName:         "gpt-4o",
		ModelAPIKeyEnv:    "OPENAI_API_KEY",
		ModelWorkers:      4,
		SchedulerEnabled:  true,
		SchedulerInterval: 60,
	}
}

func axonDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".axon"
	}
	return filepath.Join(home, ".axon")
}

func settingsPath() string {
	return filepath.Join(axonDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AXON_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AXON_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AXON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AXON_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("AXON_OVERFLOW_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OverflowThreshold = n
		}
	}
	if v := os.Getenv("AXON_MODEL_NAME"); v != "" {
		cfg.ModelName = v
	}
	if v := os.Getenv("AXON_MODEL_BASE_URL"); v != "" {
		cfg.ModelBaseURL = v
	}
	if v := os.Getenv("AXON_MODEL_API_KEY_ENV"); v != "" {
		cfg.ModelAPIKeyEnv = v
	}
	if v := os.Getenv("AXON_MODEL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ModelWorkers = n
		}
	}
	if v := os.Getenv("AXON_SCHEDULER_ENABLED"); v != "" {
		cfg.SchedulerEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AXON_SCHEDULER_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerInterval = n
		}
	}

	return cfg
}

// ModelAPIKey resolves the model API key from the configured env var.
func (c Config) ModelAPIKey() string {
	if c.ModelAPIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.ModelAPIKeyEnv)
}

// SchedulerTick converts the configured interval to a duration.
func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerInterval) * time.Second
}
