package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the CLI flags in YAML form. Values present in the
// file override the flags, so a config file can pin a deployment while
// flags stay available for one-off runs.
type fileConfig struct {
	Address      string   `yaml:"address"`
	ScanDirs     []string `yaml:"scan_dirs"`
	ScanInterval string   `yaml:"scan_interval"`
	CatalogTTL   string   `yaml:"catalog_ttl"`
	Disable      []string `yaml:"disable"`
	OTLPEndpoint string   `yaml:"otlp_endpoint"`
	LogLevel     string   `yaml:"log_level"`
	LogFormat    string   `yaml:"log_format"`
}

func applyConfigFile(path string, flags *cli) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.Address != "" {
		flags.Address = cfg.Address
	}
	if len(cfg.ScanDirs) > 0 {
		flags.ScanDir = cfg.ScanDirs
	}
	if cfg.ScanInterval != "" {
		d, err := time.ParseDuration(cfg.ScanInterval)
		if err != nil {
			return fmt.Errorf("scan_interval: %w", err)
		}
		flags.ScanInterval = d
	}
	if cfg.CatalogTTL != "" {
		d, err := time.ParseDuration(cfg.CatalogTTL)
		if err != nil {
			return fmt.Errorf("catalog_ttl: %w", err)
		}
		flags.CatalogTTL = d
	}
	if len(cfg.Disable) > 0 {
		flags.Disable = cfg.Disable
	}
	if cfg.OTLPEndpoint != "" {
		flags.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.LogLevel != "" {
		flags.LogLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" {
		flags.LogFormat = cfg.LogFormat
	}
	return nil
}
