package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gigapi/gigapi-datasets/catalog"
	"github.com/gigapi/gigapi-datasets/registry"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GIGAPI_DATASETS_HTTP_PORT.
const EnvPrefix = "GIGAPI_DATASETS"

// Config is the service configuration.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Registry RegistryConfig `mapstructure:"registry"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Flight   FlightConfig   `mapstructure:"flight"`
	Log      LogConfig      `mapstructure:"log"`
}

type StorageConfig struct {
	Root string `mapstructure:"root"`
}

// CatalogConfig selects the catalog backend. An empty DSN places the
// database next to the data files.
type CatalogConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RegistryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type FlightConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.root", "./data")
	v.SetDefault("catalog.driver", "duckdb")
	v.SetDefault("catalog.dsn", "")
	v.SetDefault("registry.max_attempts", 5)
	v.SetDefault("http.port", 7972)
	v.SetDefault("flight.port", 8082)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, the optional file at path and the
// environment, in increasing priority. DATA_DIR is accepted for storage.root.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("storage.root", EnvPrefix+"_STORAGE_ROOT", "DATA_DIR"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges and fills derived defaults.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return errors.New("storage.root is required")
	}
	if _, err := catalog.DialectFor(c.Catalog.Driver); err != nil {
		return err
	}
	if c.Registry.MaxAttempts <= 0 {
		return fmt.Errorf("invalid registry.max_attempts: %d", c.Registry.MaxAttempts)
	}
	for name, port := range map[string]int{"http.port": c.HTTP.Port, "flight.port": c.Flight.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Catalog.DSN == "" {
		c.Catalog.DSN = registry.DefaultDSN(c.Storage.Root, c.Catalog.Driver)
	}
	return nil
}
