package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"exit_tracker/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs pre-flight checks
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight checks the filesystem beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Storage.Driver == "sqlite" {
		dir := filepath.Dir(cfg.Storage.SQLitePath)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("sqlite directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("sqlite directory %s is not a directory", dir)
		}
	}

	for _, f := range []struct{ name, path string }{
		{"engine.positions_file", cfg.Engine.PositionsFile},
		{"feed.path", feedPath(cfg)},
	} {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}

	if cfg.LiveServer.Enabled && cfg.LiveServer.StaticDir != "" {
		if info, err := os.Stat(cfg.LiveServer.StaticDir); err != nil || !info.IsDir() {
			return fmt.Errorf("live_server.static_dir %s is not a directory", cfg.LiveServer.StaticDir)
		}
	}
	return nil
}

func feedPath(cfg *Config) string {
	if cfg.Feed.Source == "file" {
		return cfg.Feed.Path
	}
	return ""
}
