package kv

import (
	"fmt"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver:      "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			item_key TEXT PRIMARY KEY,
			item_value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
}

func NewPostgresStorage(dsn string) (*SQLStorage, error) {
	return newSQLStorage(dsn, postgresDialect)
}
