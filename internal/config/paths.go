// Package config provides configuration management for vaultpull.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// LogDirectory returns the directory vaultpull writes its log files to.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\vaultpull\logs
//   - Unix: ~/.config/vaultpull/logs
func LogDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "vaultpull-logs")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "vaultpull", "logs")
	}

	// Unix: Use XDG config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "vaultpull-logs")
		}
		return filepath.Join(homeDir, ".config", "vaultpull", "logs")
	}
	return filepath.Join(configDir, "vaultpull", "logs")
}

// EnsureLogDirectory creates the log directory if it doesn't exist, with
// permissions restricting access to the owner.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}
