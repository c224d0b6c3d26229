package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/ai"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/scheduler"
)

// memoryDB selects the in-memory run store instead of a libSQL file.
const memoryDB = "memory"

// Config holds all nodeflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	ListenAddr        string `json:"listen_addr"`
	BaseURL           string `json:"base_url"`
	PlatformBaseURL   string `json:"platform_base_url"`
	PlatformToken     string `json:"platform_token"`
	AIBaseURL         string `json:"ai_base_url"`
	AIAPIKey          string `json:"ai_api_key"`
	AIModel           string `json:"ai_model"`
	NodeTimeout       string `json:"node_timeout"`
	StaleRunAfter     string `json:"stale_run_after"`
	ReconcileSchedule string `json:"reconcile_schedule"`
	MaxToolRounds     int    `json:"max_tool_rounds"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel:          "info",
		ListenAddr:        ":4100",
		NodeTimeout:       engine.DefaultNodeTimeout.String(),
		StaleRunAfter:     scheduler.DefaultStaleRunAfter.String(),
		ReconcileSchedule: scheduler.DefaultReconcileSchedule,
		MaxToolRounds:     ai.DefaultMaxToolRounds,
	}
}

func nodeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath())
}

// loadConfigFrom layers the settings file at path (ignored if missing) and
// NODEFLOW_* env vars over the defaults.
func loadConfigFrom(path string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	envString := map[string]*string{
		"NODEFLOW_DB_PATH":            &cfg.DBPath,
		"NODEFLOW_LOG_LEVEL":          &cfg.LogLevel,
		"NODEFLOW_LISTEN_ADDR":        &cfg.ListenAddr,
		"NODEFLOW_BASE_URL":           &cfg.BaseURL,
		"NODEFLOW_PLATFORM_BASE_URL":  &cfg.PlatformBaseURL,
		"NODEFLOW_PLATFORM_TOKEN":     &cfg.PlatformToken,
		"NODEFLOW_AI_BASE_URL":        &cfg.AIBaseURL,
		"NODEFLOW_AI_API_KEY":         &cfg.AIAPIKey,
		"NODEFLOW_AI_MODEL":           &cfg.AIModel,
		"NODEFLOW_NODE_TIMEOUT":       &cfg.NodeTimeout,
		"NODEFLOW_STALE_RUN_AFTER":    &cfg.StaleRunAfter,
		"NODEFLOW_RECONCILE_SCHEDULE": &cfg.ReconcileSchedule,
	}
	for key, dst := range envString {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("NODEFLOW_MAX_TOOL_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("NODEFLOW_MAX_TOOL_ROUNDS: %w", err)
		}
		cfg.MaxToolRounds = n
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	nodeTimeout, err := c.nodeTimeout()
	if err != nil {
		return err
	}
	staleAfter, err := c.staleRunAfter()
	if err != nil {
		return err
	}
	// A node runs up to its timeout without touching the run record.
	if staleAfter <= nodeTimeout {
		return fmt.Errorf("stale_run_after (%s) must exceed node_timeout (%s)", staleAfter, nodeTimeout)
	}
	if err := scheduler.ValidateSchedule(c.ReconcileSchedule); err != nil {
		return fmt.Errorf("reconcile_schedule: %w", err)
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("max_tool_rounds must be positive, got %d", c.MaxToolRounds)
	}
	return nil
}

func (c Config) nodeTimeout() (time.Duration, error) {
	return positiveDuration("node_timeout", c.NodeTimeout)
}

func (c Config) staleRunAfter() (time.Duration, error) {
	return positiveDuration("stale_run_after", c.StaleRunAfter)
}

func positiveDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, s)
	}
	return d, nil
}

// dbURI turns DBPath into a libSQL file URI.
func (c Config) dbURI() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
