// Package factory selects a storage adapter from configuration.
package factory

import (
	"fmt"
	"strconv"

	"mailbridge/internal/common/errors"
	"mailbridge/internal/config"
	"mailbridge/internal/storage"
	"mailbridge/internal/storage/postgres"
	"mailbridge/internal/storage/sqlite"
)

// NewStorage creates and migrates a storage adapter based on configuration.
func NewStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.DatabaseType {
	case "sqlite":
		return sqlite.NewAdapter(&sqlite.Config{
			DatabasePath: cfg.DatabasePath,
		})

	case "postgres", "postgresql":
		port, err := strconv.Atoi(cfg.PostgresPort)
		if err != nil {
			return nil, errors.ValidationFailed(fmt.Sprintf("invalid postgres port: %s", cfg.PostgresPort))
		}
		return postgres.NewAdapter(&postgres.Config{
			Host:     cfg.PostgresHost,
			Port:     port,
			Database: cfg.PostgresDB,
			Username: cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		})

	default:
		return nil, errors.ValidationFailed(fmt.Sprintf("unsupported database type: %s", cfg.DatabaseType))
	}
}
