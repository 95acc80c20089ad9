package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix = "EM"

	DriverSQLite = "sqlite"
	DriverPGX    = "pgx"
	DriverSQL    = "sql"
	DriverSQLX   = "sqlx"
)

var (
	ErrReadingConfigFailed = errors.New("reading config failed")
	ErrUnsupportedDriver   = errors.New("unsupported database driver")
	ErrInvalidBatchSize    = errors.New("batch size must be positive")
	ErrMissingDSN          = errors.New("database dsn is required for postgres drivers")
)

// Config is the configuration of the example applications.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Import        ImportConfig        `mapstructure:"import"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// DatabaseConfig selects the driver the sqlengine runs on.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ImportConfig configures the bulk import.
type ImportConfig struct {
	Input     string `mapstructure:"input"`
	BatchSize int    `mapstructure:"batch_size"`
	Products  int    `mapstructure:"products"`
}

// ObservabilityConfig configures logging, tracing and the Prometheus endpoint.
type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// Load reads config.yaml from configPath, a missing file is fine, and applies the EM_ environment
// overrides on top of the defaults.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.Join(ErrReadingConfigFailed, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Join(ErrReadingConfigFailed, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the combinations Load cannot express with defaults.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPGX, DriverSQL, DriverSQLX:
		if c.Database.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return errors.Join(ErrUnsupportedDriver, fmt.Errorf("driver %q", c.Database.Driver))
	}

	if c.Import.BatchSize <= 0 {
		return errors.Join(ErrInvalidBatchSize, fmt.Errorf("batch size %d", c.Import.BatchSize))
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "entities")
	v.SetDefault("database.max_conns", 8)

	v.SetDefault("import.input", "")
	v.SetDefault("import.batch_size", 100)
	v.SetDefault("import.products", 1000)

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.service_name", "entitymanager-bulkimport")
	v.SetDefault("observability.metrics_addr", ":2112")
	v.SetDefault("observability.log_level", "info")
}
