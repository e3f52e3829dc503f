package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"jet_trader/internal/config"
	"jet_trader/internal/core"
)

// Config is an alias for the engine's main configuration struct
type Config = config.Config

// LoadConfig delegates to the config loader and layers environment
// checks on top of schema validation.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg, path); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config, path string) error {
	// The config file carries account credentials. Once a live account is
	// configured it must not be readable by anyone but the owner.
	if hasLiveAccounts(cfg) {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return fmt.Errorf("insecure permissions on config with live credentials %s: %04o (should be 0600)", path, mode)
		}
	}

	// The sqlite file is created lazily; a missing parent directory would
	// otherwise surface as an opaque open error mid-boot.
	if cfg.Store.Driver == "sqlite" {
		dir := filepath.Dir(cfg.Store.DSN)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("sqlite store directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("sqlite store directory %s is not a directory", dir)
		}
	}

	return nil
}

func hasLiveAccounts(cfg *Config) bool {
	for _, a := range cfg.Accounts {
		if core.Environment(a.Environment) == core.EnvLive {
			return true
		}
	}
	return false
}
