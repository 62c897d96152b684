// Package config loads the cachegrid configuration file: one yaml document
// covering logging, telemetry, and the storage engine.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cachegrid/cachegrid/core/database"
	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
	"github.com/cachegrid/cachegrid/pkg/logger"
	"github.com/cachegrid/cachegrid/pkg/telemetry"
)

// Config is the top-level configuration document.
type Config struct {
	Logger    logger.Config            `yaml:"logger"`
	Telemetry telemetry.Config         `yaml:"telemetry"`
	Storage   pagememory.Config        `yaml:"storage"`
	Caches    []database.ManagerConfig `yaml:"caches"`
}

// Default returns the configuration used when no file is supplied: console
// logging, telemetry off, storage under ./data with one cache.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "cachegrid",
			PrometheusPort: 9464,
		},
		Storage: pagememory.Config{
			Dir:      "data",
			PageSize: pagememory.DefaultPageSize,
		},
		Caches: []database.ManagerConfig{{CacheID: 1}},
	}
}

// Load reads and parses a yaml config file, layering it over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if len(cfg.Caches) == 0 {
		cfg.Caches = Default().Caches
	}
	return cfg, nil
}
