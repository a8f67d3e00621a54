// Package config wires together the process-wide pieces the rest of
// the core depends on: database connection, settings, logger, and the
// Configuration singleton itself. Grounded on the teacher's
// pkg/infrastructure/database.go (driver switch, gorm.Config, wrapper
// type) and config.go (viper-backed settings with env override).
package config

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseConfig selects the backing store. "sqlite" is the
// development/test default; "postgres" is required for
// ReplaySession's bulk-COPY path, which pgx/v5 implements only for
// postgres wire protocol.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// NewDatabase opens a gorm connection for cfg.
func NewDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("config: unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("config: connect database: %w", err)
	}
	return db, nil
}

// DefaultSQLiteConfig is the zero-setup development default.
func DefaultSQLiteConfig() DatabaseConfig {
	return DatabaseConfig{Driver: "sqlite", DSN: "file:sequent.db?cache=shared&mode=rwc"}
}

// PostgresConfig builds a DSN from discrete connection parameters ,
// the shape ReplaySession.Commit's bulk path requires in production.
func PostgresConfig(host, user, password, dbname string, port int) DatabaseConfig {
	return DatabaseConfig{
		Driver: "postgres",
		DSN:    fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable", host, user, password, dbname, port),
	}
}
