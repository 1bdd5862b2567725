package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidewater-labs/flotilla/internal/router"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// BackendConfig declares one routable backend in settings.json.
type BackendConfig struct {
	ID           string `json:"id"`
	Tier         string `json:"tier"`
	CostClass    string `json:"cost_class,omitempty"`
	LatencyClass string `json:"latency_class,omitempty"`
	Predicate    string `json:"predicate,omitempty"`
}

// ScheduleConfig declares one recurring run in settings.json. Workflow is
// the path of a definition file, loaded at startup.
type ScheduleConfig struct {
	ID       string         `json:"id"`
	Cron     string         `json:"cron"`
	Workflow string         `json:"workflow"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

// Config holds all flotilla configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string           `json:"db_path"`
	LogLevel    string           `json:"log_level"`
	PoolSize    int              `json:"pool_size"`
	CancelGrace string           `json:"cancel_grace"`
	Backends    []BackendConfig  `json:"backends,omitempty"`
	Schedules   []ScheduleConfig `json:"schedules,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(flotillaDir(), "flotilla.db"),
		LogLevel:    "info",
		PoolSize:    4,
		CancelGrace: "5s",
		Backends: []BackendConfig{
			{ID: "premium-default", Tier: string(schema.TierPremium)},
			{ID: "mid-default", Tier: string(schema.TierMid)},
			{ID: "local-default", Tier: string(schema.TierLocal)},
		},
	}
}

func flotillaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flotilla"
	}
	return filepath.Join(home, ".flotilla")
}

func settingsPath() string {
	return filepath.Join(flotillaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOTILLA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOTILLA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOTILLA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOTILLA_CANCEL_GRACE"); v != "" {
		cfg.CancelGrace = v
	}

	return cfg
}

// buildRouter registers the configured backends on a fresh router.
func buildRouter(cfg Config) (*router.TieredRouter, error) {
	r := router.New(router.DefaultBreakerConfig())
	for _, b := range cfg.Backends {
		if err := r.Register(router.Backend{
			ID:           b.ID,
			Tier:         schema.Tier(b.Tier),
			CostClass:    b.CostClass,
			LatencyClass: b.LatencyClass,
			Predicate:    b.Predicate,
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
