package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSettingsDefaults(t *testing.T) {
	cfg := NewSettings()

	if cfg.Transfer.ConnectionLimit != 6 {
		t.Errorf("expected ConnectionLimit=6, got %d", cfg.Transfer.ConnectionLimit)
	}
	if cfg.Transfer.DecryptParallelism != 6 {
		t.Errorf("expected DecryptParallelism=6, got %d", cfg.Transfer.DecryptParallelism)
	}
	if cfg.Transfer.SegmentSizeMB != 32 {
		t.Errorf("expected SegmentSizeMB=32, got %d", cfg.Transfer.SegmentSizeMB)
	}
	if cfg.Transfer.TTFBTimeoutSeconds != 20 {
		t.Errorf("expected TTFBTimeoutSeconds=20, got %d", cfg.Transfer.TTFBTimeoutSeconds)
	}
	if cfg.Transfer.RetryLimit != -1 {
		t.Errorf("expected RetryLimit=-1, got %d", cfg.Transfer.RetryLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestSettingsLoadSaveRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "vaultpull-config-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "config.ini")

	cfg := NewSettings()
	cfg.Transfer.ConnectionLimit = 10
	cfg.Transfer.DecryptParallelism = 4
	cfg.Transfer.SegmentSizeMB = 64
	cfg.Transfer.TTFBTimeoutSeconds = 30
	cfg.Transfer.RetryLimit = 5
	cfg.Resume.DBPath = "/tmp/custom-resume.db"
	cfg.Destination.DefaultDir = "/tmp/downloads"

	if err := SaveSettings(cfg, configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	loaded, err := LoadSettings(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Transfer.ConnectionLimit != cfg.Transfer.ConnectionLimit {
		t.Errorf("ConnectionLimit mismatch: expected %d, got %d", cfg.Transfer.ConnectionLimit, loaded.Transfer.ConnectionLimit)
	}
	if loaded.Transfer.DecryptParallelism != cfg.Transfer.DecryptParallelism {
		t.Errorf("DecryptParallelism mismatch: expected %d, got %d", cfg.Transfer.DecryptParallelism, loaded.Transfer.DecryptParallelism)
	}
	if loaded.Transfer.SegmentSizeMB != cfg.Transfer.SegmentSizeMB {
		t.Errorf("SegmentSizeMB mismatch: expected %d, got %d", cfg.Transfer.SegmentSizeMB, loaded.Transfer.SegmentSizeMB)
	}
	if loaded.Transfer.TTFBTimeoutSeconds != cfg.Transfer.TTFBTimeoutSeconds {
		t.Errorf("TTFBTimeoutSeconds mismatch: expected %d, got %d", cfg.Transfer.TTFBTimeoutSeconds, loaded.Transfer.TTFBTimeoutSeconds)
	}
	if loaded.Transfer.RetryLimit != cfg.Transfer.RetryLimit {
		t.Errorf("RetryLimit mismatch: expected %d, got %d", cfg.Transfer.RetryLimit, loaded.Transfer.RetryLimit)
	}
	if loaded.Resume.DBPath != cfg.Resume.DBPath {
		t.Errorf("DBPath mismatch: expected %s, got %s", cfg.Resume.DBPath, loaded.Resume.DBPath)
	}
	if loaded.Destination.DefaultDir != cfg.Destination.DefaultDir {
		t.Errorf("DefaultDir mismatch: expected %s, got %s", cfg.Destination.DefaultDir, loaded.Destination.DefaultDir)
	}
}

func TestLoadSettingsMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadSettings(filepath.Join(os.TempDir(), "vaultpull-does-not-exist", "config.ini"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Transfer.ConnectionLimit != 6 {
		t.Errorf("expected default ConnectionLimit=6, got %d", cfg.Transfer.ConnectionLimit)
	}
}

func TestSettingsValidateBounds(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Settings)
		wantErr error
	}{
		{"connection limit too low", func(c *Settings) { c.Transfer.ConnectionLimit = 0 }, ErrInvalidConnectionLimit},
		{"connection limit too high", func(c *Settings) { c.Transfer.ConnectionLimit = 65 }, ErrInvalidConnectionLimit},
		{"decrypt parallelism too low", func(c *Settings) { c.Transfer.DecryptParallelism = 0 }, ErrInvalidDecryptParallelism},
		{"segment size too high", func(c *Settings) { c.Transfer.SegmentSizeMB = 513 }, ErrInvalidSegmentSizeMB},
		{"ttfb timeout too low", func(c *Settings) { c.Transfer.TTFBTimeoutSeconds = 0 }, ErrInvalidTTFBTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewSettings()
			tc.mutate(cfg)
			if err := cfg.Validate(); err != tc.wantErr {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestResolvedResumeDBPath(t *testing.T) {
	cfg := NewSettings()
	cfg.Resume.DBPath = "/custom/path/resume.db"
	path, err := cfg.ResolvedResumeDBPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/custom/path/resume.db" {
		t.Errorf("expected explicit DBPath to win, got %s", path)
	}

	cfg2 := NewSettings()
	path2, err := cfg2.ResolvedResumeDBPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path2 == "" {
		t.Error("expected a non-empty default resume db path")
	}
}
