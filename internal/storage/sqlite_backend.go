package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	driver: sqlDriverSQLite,
	label:  "sqlite",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			client_id TEXT NOT NULL,
			state_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (client_id, state_id)
		)`,
	upsert: `
		INSERT INTO %s (client_id, state_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (client_id, state_id)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
	selectOne: "SELECT payload FROM %s WHERE client_id = ? AND state_id = ?",
	selectIDs: "SELECT state_id FROM %s WHERE client_id = ? ORDER BY state_id ASC",
	maxConns:  1,
}

type SQLiteBackend struct {
	*sqlBackend
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	core, err := newSQLBackend(dsn, sqliteDialect)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{sqlBackend: core}, nil
}
