package sqlite

import "fmt"

// Config locates the database file. The connection string enables WAL and
// foreign keys so the background sweeps and the API can share the file
// without SQLITE_BUSY surfacing on every overlap.
type Config struct {
	DatabasePath string
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("sqlite database path is required")
	}
	return nil
}

func (c *Config) GetType() string { return "sqlite" }

func (c *Config) GetConnectionString() string {
	return c.DatabasePath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}
