// Package database opens the SQL backing store: sqlite in lite mode,
// postgres when a DATABASE_URL is configured.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database.
type Config struct {
	// URL is a postgres connection string. When empty, SQLitePath is used.
	URL string
	// SQLitePath is the lite-mode database file.
	SQLitePath string
	// MaxOpenConns bounds the postgres pool. sqlite always uses one
	// connection so writers queue instead of failing with SQLITE_BUSY.
	MaxOpenConns int
}

// DB wraps the pool with the driver that opened it.
type DB struct {
	*sql.DB
	Driver string
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.URL != "" {
		db, err := sql.Open(DriverPostgres, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		return &DB{DB: db, Driver: DriverPostgres}, nil
	}

	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite path is required when DATABASE_URL is not set")
	}
	if cfg.SQLitePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	db, err := sql.Open(DriverSQLite, SQLiteDSN(cfg.SQLitePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &DB{DB: db, Driver: DriverSQLite}, nil
}

// SQLiteDSN adds the pragmas every lite-mode connection needs.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Migrate runs each statement in order. Statements must be idempotent.
func Migrate(ctx context.Context, db *sql.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
