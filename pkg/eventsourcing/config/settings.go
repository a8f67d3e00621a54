package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the full process configuration, loaded from a
// config.yaml in . or ./configs plus SEQUENT_-prefixed environment
// overrides.
type Settings struct {
	Database DatabaseConfig `mapstructure:"database"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ReplayConfig tunes ReplaySession.Commit's bulk-vs-per-row threshold.
type ReplayConfig struct {
	InsertCSVSize int `mapstructure:"insert_csv_size"`
}

// LoggingConfig controls the default logrus-backed Logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadSettings reads configuration from file (if present) and
// environment, falling back to development-friendly defaults.
func LoadSettings() (*Settings, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SEQUENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "file:sequent.db?cache=shared&mode=rwc")
	viper.SetDefault("replay.insert_csv_size", 500)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var settings Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("config: unmarshal settings: %w", err)
	}
	if err := validate(&settings); err != nil {
		return nil, fmt.Errorf("config: invalid settings: %w", err)
	}
	return &settings, nil
}

func validate(s *Settings) error {
	switch s.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", s.Database.Driver)
	}
	if s.Replay.InsertCSVSize <= 0 {
		return fmt.Errorf("replay.insert_csv_size must be positive, got %d", s.Replay.InsertCSVSize)
	}
	switch s.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported logging level %q", s.Logging.Level)
	}
	return nil
}
