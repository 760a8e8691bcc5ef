// Package config holds the toolkit's configuration shape and its
// yaml.v3-based loader, reduced from the teacher's much larger
// multi-section Config (App/Server/Database/Master/Agent/...) down to
// the fields a standalone recon run actually consumes: logging and
// per-scan defaults (spec §4.1/§6 ambient stack).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the logrus+lumberjack logging pipeline (see
// internal/logger), structurally the same shape as the teacher's
// internal/config.LogConfig.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	Caller     bool   `yaml:"caller"`
}

// ScanConfig is the shared set of probe-engine defaults every scanner
// reads unless overridden by its own CLI flags (spec §4.1/§6).
type ScanConfig struct {
	Interface string        `yaml:"interface"`
	Retry     int           `yaml:"retry"`
	Interval  time.Duration `yaml:"interval"`
	Timewait  time.Duration `yaml:"timewait"`
	MaxRate   int           `yaml:"max_rate"`
}

// Config is the toolkit's root configuration document.
type Config struct {
	Log  LogConfig  `yaml:"log"`
	Scan ScanConfig `yaml:"scan"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
			Caller: false,
		},
		Scan: ScanConfig{
			Retry:    2,
			Interval: 100 * time.Millisecond,
			Timewait: 1 * time.Second,
			MaxRate:  1000,
		},
	}
}

// Load reads and parses a YAML config file, filling in defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
