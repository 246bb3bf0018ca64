package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".coreclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// envPrefix prefixes every environment override.
	envPrefix = "CORECLAW"
)

// ConfigPath returns the path to the config file. CORECLAW_CONFIG
// overrides the default under the home directory.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CORECLAW_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file (when present), applies environment
// overrides and fills derived defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads config from an explicit path. A missing file yields
// the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	// Section tags already carry their section name (QUEUE_CONCURRENCY,
	// KAFKA_BROKERS), so each section is also read under the bare prefix:
	// CORECLAW_QUEUE_CONCURRENCY, CORECLAW_DB_PATH.
	for _, section := range []any{&cfg.Paths, &cfg.Queue, &cfg.Worker, &cfg.Conductors, &cfg.Kafka, &cfg.Slack} {
		if err := envconfig.Process(envPrefix, section); err != nil {
			return nil, fmt.Errorf("apply env overrides: %w", err)
		}
	}

	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = filepath.Dir(path)
	}
	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = filepath.Join(cfg.Paths.DataDir, "coreclaw.db")
	}
	if cfg.Worker.IPCRoot == "" || cfg.Worker.IPCRoot == "ipc" {
		cfg.Worker.IPCRoot = filepath.Join(cfg.Paths.DataDir, "ipc")
	}
	return cfg, nil
}

// Save writes the config file with private permissions.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
