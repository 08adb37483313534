// Package config holds the on-disk configuration and the data-directory
// layout. All state lives under a single data directory so one flock
// guards the whole tree.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents config.toml under the data directory.
type Config struct {
	// AccountAddress is the local account's serialized address; it is
	// excluded from group receipt fan-out.
	AccountAddress string `toml:"account_address"`

	// TrimLength caps retained messages per thread; 0 disables trimming.
	TrimLength int `toml:"trim_length"`

	// TrimCutoffDays drops messages older than this many days when the
	// periodic trim runs; 0 disables the age cutoff.
	TrimCutoffDays int `toml:"trim_cutoff_days"`

	// EarlyReceiptTTLSeconds bounds how long receipts that arrive before
	// their message are buffered.
	EarlyReceiptTTLSeconds int `toml:"early_receipt_ttl_seconds"`

	// DefaultExpiresInMS is the expiration timer stamped on new threads;
	// 0 means messages never expire by default.
	DefaultExpiresInMS int64 `toml:"default_expires_in_ms"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		TrimLength:             0,
		TrimCutoffDays:         0,
		EarlyReceiptTTLSeconds: 3600,
	}
}

// EarlyReceiptTTL returns the buffer TTL as a duration.
func (c *Config) EarlyReceiptTTL() time.Duration {
	return time.Duration(c.EarlyReceiptTTLSeconds) * time.Second
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from the path, falling back to defaults when
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// BaseDir returns ~/.veil.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".veil")
}

// ConfigPath returns the config file path under a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// DBPath returns the store database path under a data directory.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "veil.db")
}

// LockPath returns the lock file path under a data directory.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "LOCK")
}

// LogDir returns the log directory under a data directory.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path under a data directory.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "veild.log")
}

// EnsureDir creates the data directory tree with proper permissions.
func EnsureDir(dataDir string) error {
	dirs := []string{
		dataDir,
		LogDir(dataDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
