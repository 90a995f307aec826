// Package config loads daemon configuration from a YAML file and
// KEYWARDEN_-prefixed environment variables, with env taking precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig           `koanf:"server"`
	Data      DataConfig             `koanf:"data"`
	Audit     AuditConfig            `koanf:"audit"`
	Vault     VaultConfig            `koanf:"vault"`
	Providers []ProviderSchemaConfig `koanf:"providers"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type DataConfig struct {
	// Dir is the root for all durable state (stores, ledger, vault key).
	Dir string `koanf:"dir"`
}

type AuditConfig struct {
	// Path overrides the ledger file location; default is <data.dir>/audit.log.
	Path string `koanf:"path"`
}

type VaultConfig struct {
	// KeyPath overrides the at-rest key file; default is <data.dir>/vault.key.
	KeyPath string `koanf:"key_path"`
}

// ProviderSchemaConfig declares an additional provider field schema beyond
// the built-ins.
type ProviderSchemaConfig struct {
	ID          string              `koanf:"id"`
	DisplayName string              `koanf:"display_name"`
	Fields      []FieldSchemaConfig `koanf:"fields"`
}

type FieldSchemaConfig struct {
	Name     string `koanf:"name"`
	Type     string `koanf:"type"` // text, number, secret
	Required bool   `koanf:"required"`
}

// LedgerPath returns the effective audit ledger location.
func (c *Config) LedgerPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.Data.Dir, "audit.log")
}

// VaultKeyPath returns the effective vault key file location.
func (c *Config) VaultKeyPath() string {
	if c.Vault.KeyPath != "" {
		return c.Vault.KeyPath
	}
	return filepath.Join(c.Data.Dir, "vault.key")
}

// StoreDSN returns the sqlite DSN for a named store under the data dir.
func (c *Config) StoreDSN(name string) string {
	return filepath.Join(c.Data.Dir, name+".db")
}

// Load reads configuration from path (skipped when the file does not exist)
// and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("KEYWARDEN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KEYWARDEN_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 7177)
	}
	if !k.Exists("data.dir") {
		k.Set("data.dir", "./data")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
