package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CBAK_CONFIG_PATH: config file location (default: ~/.config/cbak.toml)
//   - CBAK_HOME: base directory for cbak data (default: ~/.local/share/cbak)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path":  configPath,
		"base_dir":     baseDir,
		"log_dir":      filepath.Join(baseDir, "log"),
		"snapshot_dir": filepath.Join(baseDir, "snapshots"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("CBAK_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "cbak.toml"), nil
}

// getBaseDir follows XDG: CBAK_HOME, else ~/.local/share/cbak.
func getBaseDir() (string, error) {
	if path := os.Getenv("CBAK_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "cbak"), nil
}
