package storage

import (
	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver: sqlDriverPostgres,
	label:  "postgres",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			client_id TEXT NOT NULL,
			state_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (client_id, state_id)
		)`,
	upsert: `
		INSERT INTO %s (client_id, state_id, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, state_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
	selectOne: "SELECT payload FROM %s WHERE client_id = $1 AND state_id = $2",
	selectIDs: "SELECT state_id FROM %s WHERE client_id = $1 ORDER BY state_id ASC",
}

type PostgresBackend struct {
	*sqlBackend
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	core, err := newSQLBackend(dsn, postgresDialect)
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{sqlBackend: core}, nil
}
