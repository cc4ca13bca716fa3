// Package database opens the AgentFleet SQLite database and bootstraps its
// schema.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

// SchemaVersion is the version recorded after the schema is applied.
const SchemaVersion = 1

// Database wraps the SQLite connection pool.
type Database struct {
	DB   *sql.DB
	Path string
}

// Open opens or creates the database at cfg.Path and applies the schema.
func Open(cfg config.DatabaseConfig) (*Database, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/agentfleet.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON&_txlock=immediate",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &Database{DB: db, Path: cfg.Path}
	if err := d.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the connection pool.
func (d *Database) Close() error {
	return d.DB.Close()
}

// CurrentVersion returns the applied schema version, 0 when none.
func (d *Database) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := d.DB.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// Migrate applies the schema. Every statement is idempotent.
func (d *Database) Migrate(ctx context.Context) error {
	if _, err := d.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if _, err := d.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	current, err := d.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current < SchemaVersion {
		_, err := d.DB.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
		if err != nil && !isDuplicateKeyError(err) {
			return fmt.Errorf("record migration: %w", err)
		}
	}
	return nil
}

// Status returns connection pool statistics for health endpoints.
func (d *Database) Status(ctx context.Context) map[string]any {
	stats := d.DB.Stats()

	var version string
	if err := d.DB.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		version = "unknown"
	}

	return map[string]any{
		"healthy":    d.DB.PingContext(ctx) == nil,
		"version":    version,
		"open_conns": stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
		"wait_count": stats.WaitCount,
	}
}

func isDuplicateKeyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
