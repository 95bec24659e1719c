// Package store persists compliance requests, export bundles, download
// tokens and breach records in SQLite. Each store owns its schema and
// migrates it at construction; the core logic depends only on the narrow
// store interfaces, so it is testable against a throwaway database file.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time; serialize access through a
	// single connection to avoid SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	return db, nil
}

// nanos converts a time to the integer column representation.
func nanos(t time.Time) int64 { return t.UnixNano() }

// nanosPtr converts an optional time.
func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// fromNanos converts back from the column representation.
func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// fromNanosPtr converts an optional column value.
func fromNanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
