// Package config provides configuration management for vaultpull.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-int/internal/constants"
	"github.com/rescale/rescale-int/internal/orchestrator"
)

// Settings is the on-disk tunable configuration for a vaultpull install.
//
// Config file location:
//   - Windows: %APPDATA%\vaultpull\config.ini
//   - Unix: ~/.config/vaultpull/config.ini
//
// INI format:
//
//	[transfer]
//	connection_limit = 6
//	decrypt_parallelism = 6
//	segment_size_mb = 32
//	ttfb_timeout_seconds = 20
//	retry_limit = -1
//
//	[resume]
//	db_path =
//
//	[destination]
//	default_dir =
type Settings struct {
	Transfer    TransferConfig
	Resume      ResumeConfig
	Destination DestinationConfig
}

// TransferConfig mirrors orchestrator.Settings; it's the section a user is
// actually likely to tune.
type TransferConfig struct {
	// ConnectionLimit caps concurrent in-flight segment fetches.
	// Minimum: 1, Maximum: 32, Default: 6
	ConnectionLimit int `ini:"connection_limit"`

	// DecryptParallelism sets the number of decrypt pool workers.
	// Minimum: 1, Maximum: 32, Default: 6
	DecryptParallelism int `ini:"decrypt_parallelism"`

	// SegmentSizeMB is the plaintext size of each fetch unit before the
	// planner maps it onto underlying ciphertext ranges.
	// Minimum: 2, Maximum: 48, Default: 32
	SegmentSizeMB int `ini:"segment_size_mb"`

	// TTFBTimeoutSeconds bounds how long a segment fetch may wait for the
	// first response byte before the scheduler requeues it.
	// Minimum: 5, Maximum: 120, Default: 20
	TTFBTimeoutSeconds int `ini:"ttfb_timeout_seconds"`

	// RetryLimit caps retries per segment; -1 means unbounded.
	// Default: -1
	RetryLimit int `ini:"retry_limit"`
}

// ResumeConfig controls where the Resume Store's SQLite database lives.
type ResumeConfig struct {
	// DBPath overrides the default resume.db location. Empty means the
	// platform default under the config directory.
	DBPath string `ini:"db_path"`
}

// DestinationConfig holds the [destination] section. It is loaded and saved
// with the rest of the settings; the CLI commands do not read it (fetch and
// retry require an explicit -o/--output).
type DestinationConfig struct {
	// DefaultDir is the stored default_dir value.
	DefaultDir string `ini:"default_dir"`
}

// Settings validation errors.
var (
	ErrInvalidConnectionLimit    = errors.New("connection_limit must be between 1 and 32")
	ErrInvalidDecryptParallelism = errors.New("decrypt_parallelism must be between 1 and 32")
	ErrInvalidSegmentSizeMB      = errors.New("segment_size_mb must be between 2 and 48")
	ErrInvalidTTFBTimeout        = errors.New("ttfb_timeout_seconds must be between 5 and 120")
)

// DefaultSettingsPath returns the default path for vaultpull's config.ini.
//   - Windows: %APPDATA%\vaultpull\config.ini
//   - Unix: ~/.config/vaultpull/config.ini
func DefaultSettingsPath() (string, error) {
	var configDir string

	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", errors.New("neither APPDATA nor USERPROFILE environment variable set")
			}
			appData = filepath.Join(userProfile, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, "vaultpull")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "vaultpull")
	}

	return filepath.Join(configDir, "config.ini"), nil
}

// DefaultResumeDBPath returns the platform-specific default Resume Store
// database path, alongside config.ini in the same directory.
func DefaultResumeDBPath() (string, error) {
	path, err := DefaultSettingsPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), "resume.db"), nil
}

// NewSettings returns a Settings populated with vaultpull's built-in
// defaults, sourced from the constants package and orchestrator.DefaultSettings.
func NewSettings() *Settings {
	d := orchestrator.DefaultSettings()
	return &Settings{
		Transfer: TransferConfig{
			ConnectionLimit:    d.ConnectionLimit,
			DecryptParallelism: d.DecryptParallelism,
			SegmentSizeMB:      d.SegmentSizeMB,
			TTFBTimeoutSeconds: d.TTFBTimeoutSeconds,
			RetryLimit:         d.RetryLimit,
		},
	}
}

// LoadSettings loads configuration from path. If path is empty, the default
// path is used. A missing file yields defaults with no error; an invalid one
// is an error.
func LoadSettings(path string) (*Settings, error) {
	cfg := NewSettings()

	if path == "" {
		var err error
		path, err = DefaultSettingsPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config.ini: %w", err)
	}

	transferSection := iniFile.Section("transfer")
	cfg.Transfer.ConnectionLimit = transferSection.Key("connection_limit").MustInt(cfg.Transfer.ConnectionLimit)
	cfg.Transfer.DecryptParallelism = transferSection.Key("decrypt_parallelism").MustInt(cfg.Transfer.DecryptParallelism)
	cfg.Transfer.SegmentSizeMB = transferSection.Key("segment_size_mb").MustInt(cfg.Transfer.SegmentSizeMB)
	cfg.Transfer.TTFBTimeoutSeconds = transferSection.Key("ttfb_timeout_seconds").MustInt(cfg.Transfer.TTFBTimeoutSeconds)
	cfg.Transfer.RetryLimit = transferSection.Key("retry_limit").MustInt(cfg.Transfer.RetryLimit)

	resumeSection := iniFile.Section("resume")
	cfg.Resume.DBPath = resumeSection.Key("db_path").String()

	destSection := iniFile.Section("destination")
	cfg.Destination.DefaultDir = destSection.Key("default_dir").String()

	return cfg, nil
}

// SaveSettings writes cfg to path, creating parent directories as needed. An
// empty path uses the default location. The write is atomic: a temp file is
// written and renamed into place, and is chmod 0600 on Unix.
func SaveSettings(cfg *Settings, path string) error {
	if path == "" {
		var err error
		path, err = DefaultSettingsPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	transferSection, err := iniFile.NewSection("transfer")
	if err != nil {
		return fmt.Errorf("failed to create transfer section: %w", err)
	}
	transferSection.Key("connection_limit").SetValue(fmt.Sprintf("%d", cfg.Transfer.ConnectionLimit))
	transferSection.Key("decrypt_parallelism").SetValue(fmt.Sprintf("%d", cfg.Transfer.DecryptParallelism))
	transferSection.Key("segment_size_mb").SetValue(fmt.Sprintf("%d", cfg.Transfer.SegmentSizeMB))
	transferSection.Key("ttfb_timeout_seconds").SetValue(fmt.Sprintf("%d", cfg.Transfer.TTFBTimeoutSeconds))
	transferSection.Key("retry_limit").SetValue(fmt.Sprintf("%d", cfg.Transfer.RetryLimit))

	resumeSection, err := iniFile.NewSection("resume")
	if err != nil {
		return fmt.Errorf("failed to create resume section: %w", err)
	}
	resumeSection.Key("db_path").SetValue(cfg.Resume.DBPath)

	destSection, err := iniFile.NewSection("destination")
	if err != nil {
		return fmt.Errorf("failed to create destination section: %w", err)
	}
	destSection.Key("default_dir").SetValue(cfg.Destination.DefaultDir)

	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks the transfer settings against their documented bounds.
func (cfg *Settings) Validate() error {
	if cfg.Transfer.ConnectionLimit < constants.MinConnectionLimit || cfg.Transfer.ConnectionLimit > constants.MaxConnectionLimit {
		return ErrInvalidConnectionLimit
	}
	if cfg.Transfer.DecryptParallelism < constants.MinDecryptParallelism || cfg.Transfer.DecryptParallelism > constants.MaxDecryptParallelism {
		return ErrInvalidDecryptParallelism
	}
	if cfg.Transfer.SegmentSizeMB < constants.MinSegmentSizeMB || cfg.Transfer.SegmentSizeMB > constants.MaxSegmentSizeMB {
		return ErrInvalidSegmentSizeMB
	}
	if cfg.Transfer.TTFBTimeoutSeconds < constants.MinTTFBTimeoutSeconds || cfg.Transfer.TTFBTimeoutSeconds > constants.MaxTTFBTimeoutSeconds {
		return ErrInvalidTTFBTimeout
	}
	return nil
}

// OrchestratorSettings converts the loaded transfer config into the type
// orchestrator.New expects.
func (cfg *Settings) OrchestratorSettings() orchestrator.Settings {
	return orchestrator.Settings{
		ConnectionLimit:    cfg.Transfer.ConnectionLimit,
		DecryptParallelism: cfg.Transfer.DecryptParallelism,
		SegmentSizeMB:      cfg.Transfer.SegmentSizeMB,
		TTFBTimeoutSeconds: cfg.Transfer.TTFBTimeoutSeconds,
		RetryLimit:         cfg.Transfer.RetryLimit,
	}
}

// ResolvedResumeDBPath returns cfg.Resume.DBPath if set, otherwise the
// platform default.
func (cfg *Settings) ResolvedResumeDBPath() (string, error) {
	if cfg.Resume.DBPath != "" {
		return cfg.Resume.DBPath, nil
	}
	return DefaultResumeDBPath()
}
