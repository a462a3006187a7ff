package cli

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zoobzio/pulsez"
)

// Store kinds accepted in Settings.Store.Kind.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Settings is the full process configuration.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Settings struct {
	Listen    string        `mapstructure:"listen" yaml:"listen"`
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
	RulesFile string        `mapstructure:"rules_file" yaml:"rules_file"`
	Store     StoreSettings `mapstructure:"store" yaml:"store"`
	NATS      NATSSettings  `mapstructure:"nats" yaml:"nats"`
	Engine    pulsez.Config `mapstructure:"engine" yaml:"engine"`
}

// StoreSettings selects the alert and override store.
type StoreSettings struct {
	Kind       string `mapstructure:"kind" yaml:"kind"`
	RedisAddr  string `mapstructure:"redis_addr" yaml:"redis_addr"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// NATSSettings enables NATS publication when URL is set.
type NATSSettings struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// DefaultSettings returns the settings used when nothing overrides them.
func DefaultSettings() Settings {
	return Settings{
		Listen:   ":8080",
		LogLevel: "info",
		Store: StoreSettings{
			Kind:       StoreMemory,
			RedisAddr:  "localhost:6379",
			SQLitePath: "pulsez.db",
		},
		NATS:   NATSSettings{Prefix: "pulsez"},
		Engine: pulsez.DefaultConfig(),
	}
}

// Validate checks the settings and the engine configuration.
func (s Settings) Validate() error {
	switch s.Store.Kind {
	case StoreMemory:
	case StoreRedis:
		if s.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis store")
		}
	case StoreSQLite:
		if s.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store kind %q", s.Store.Kind)
	}
	if s.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	return s.Engine.Validate()
}

// LoadSettings layers defaults, the YAML file at path (when non-empty) and
// PULSEZ_* environment variables. Nested keys use underscores in the
// environment, so engine.batch_size is PULSEZ_ENGINE_BATCH_SIZE.
func LoadSettings(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seeding from the marshalled defaults makes every key known to viper,
	// which AutomaticEnv needs to resolve nested environment overrides.
	defaults, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return Settings{}, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Settings{}, fmt.Errorf("reading defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Settings{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("PULSEZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
