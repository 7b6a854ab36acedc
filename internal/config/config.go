// Package config loads the serve-mode configuration from a YAML file,
// with sane defaults when no file is given.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level serve configuration.
type Config struct {
	Listen string       `yaml:"listen"`
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
}

// StoreConfig selects and configures the checkpoint backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"` // file backend
	Redis   RedisConfig `yaml:"redis"`

	// EncryptionKey, when set, encrypts checkpoint state at rest with
	// AES-256-GCM. Base64-encoded 32-byte key.
	EncryptionKey string `yaml:"encryption_key"`
}

// RedisConfig configures the redis backend and its session lock.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	TTL      Duration `yaml:"ttl"`
}

// EngineConfig tunes run execution.
type EngineConfig struct {
	NodeTimeout Duration `yaml:"node_timeout"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Listen: ":8080",
		Store: StoreConfig{
			Backend: StoreMemory,
			Path:    ".canopy",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Engine: EngineConfig{
			NodeTimeout: Duration(30 * time.Second),
		},
	}
}

// Load reads path and overlays it on the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	case StoreFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
