package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		AccountAddress: "+15550000001",
		TrimLength:     500,
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.AccountAddress != "+15550000001" {
		t.Errorf("AccountAddress = %q, want %q", loaded.AccountAddress, "+15550000001")
	}
	if loaded.TrimLength != 500 {
		t.Errorf("TrimLength = %d, want 500", loaded.TrimLength)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.EarlyReceiptTTLSeconds != 3600 {
		t.Errorf("EarlyReceiptTTLSeconds = %d, want 3600", cfg.EarlyReceiptTTLSeconds)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{TrimLength: 100}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestPathLayout(t *testing.T) {
	dataDir := "/tmp/veil-test"
	if got := DBPath(dataDir); got != filepath.Join(dataDir, "veil.db") {
		t.Errorf("DBPath = %q", got)
	}
	if got := LogPath(dataDir); got != filepath.Join(dataDir, "logs", "veild.log") {
		t.Errorf("LogPath = %q", got)
	}
	if got := ConfigPath(dataDir); got != filepath.Join(dataDir, "config.toml") {
		t.Errorf("ConfigPath = %q", got)
	}
}
