package kv

import (
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	driver:      "sqlite",
	placeholder: func(int) string { return "?" },
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			item_key TEXT PRIMARY KEY,
			item_value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
}

// NewSQLiteStorage opens (creating if needed) a sqlite database file. The
// path ":memory:" is accepted for tests.
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	s, err := newSQLStorage(path, sqliteDialect)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// writers on the file.
	s.db.SetMaxOpenConns(1)
	return s, nil
}
