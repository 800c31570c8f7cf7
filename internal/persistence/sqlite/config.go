// SPDX-License-Identifier: MIT

// Package sqlite bootstraps a *sql.DB connection pool against the pure-Go
// modernc.org/sqlite driver with the pragmas the store gateway depends on.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo
)

// Config defines operational parameters for the SQLite connection pool.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended configuration: WAL-friendly busy
// timeout and a connection pool sized for a single-writer, multi-reader
// workload.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Open initialises a SQLite connection pool with the pragmas the store
// gateway's uniqueness invariants (S1) depend on: WAL journal mode so readers
// never block the writer, a busy_timeout so concurrent writers retry instead
// of failing immediately, and foreign_keys enforcement.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}
