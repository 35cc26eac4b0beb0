// Package config loads the bus server's bootstrap configuration: listen
// address, database path, default table cache size, the table save
// interval, and the JWT signing secret. Loading stays intentionally thin
// — one file, no live reload, no user/project merge — the way spec.md
// scopes the server shell's own deep design, but it's YAML on disk rather
// than hand-rolled JSON, matching the rest of the ecosystem this server
// borrows its stack from.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bus server's bootstrap configuration.
type Config struct {
	// Addr is the listen address for the WebSocket server, e.g. ":8080".
	Addr string `yaml:"addr"`

	// DBPath is the SQLite database file backing the registry and table
	// storage adapters.
	DBPath string `yaml:"db_path"`

	// SecretPath points at a file holding the raw bytes used to derive
	// per-app session-token signing keys (internal/security).
	SecretPath string `yaml:"secret_path"`

	// DefaultTableCacheSize is read from the file but not applied:
	// cmd/busd does not pass it to the table extension, whose tables stay
	// unbounded until a client sends set_config.
	DefaultTableCacheSize int `yaml:"default_table_cache_size"`

	// SaveInterval is read from the file but not applied: internal/table's
	// save loop uses its own fixed 30-second interval, and registry writes
	// go straight to the adapter.
	SaveInterval time.Duration `yaml:"save_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:                  ":8080",
		DBPath:                "wirebus.db",
		SecretPath:            "",
		DefaultTableCacheSize: 1000,
		SaveInterval:          30 * time.Second,
	}
}

// Load reads and parses a YAML config file, applying Default() for any
// field the file does not set; a field the file sets explicitly keeps the
// file's value, even a zero value. An empty path returns Default()
// unmodified.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadSecret reads the signing secret from SecretPath. A missing path
// generates a fresh random secret held only in memory — fine for a
// single-process dev run, but every restart invalidates outstanding
// session tokens, so production deployments should always set
// SecretPath.
func (c Config) LoadSecret() ([]byte, error) {
	if c.SecretPath == "" {
		return randomSecret(), nil
	}
	data, err := os.ReadFile(c.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", c.SecretPath, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", c.SecretPath)
	}
	return data, nil
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("config: failed to generate random secret: " + err.Error())
	}
	return b
}
