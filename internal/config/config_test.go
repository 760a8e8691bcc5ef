package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultFillsScanDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Scan.Retry != 2 || cfg.Scan.Interval != 100*time.Millisecond {
		t.Fatalf("got %+v, want the documented defaults", cfg.Scan)
	}
}

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("got level %q, want info", cfg.Log.Level)
	}
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\nscan:\n  retry: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("got level %q, want debug", cfg.Log.Level)
	}
	if cfg.Scan.Retry != 5 {
		t.Fatalf("got retry %d, want 5", cfg.Scan.Retry)
	}
	if cfg.Scan.MaxRate != 1000 {
		t.Fatalf("got max_rate %d, want the default 1000 to survive a partial override", cfg.Scan.MaxRate)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a nonexistent config file")
	}
}
