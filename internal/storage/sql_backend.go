package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	sqlStateTableName   = "relaystate_states"
	sqlOperationTimeout = 5 * time.Second
	sqlDriverPostgres   = "postgres"
	sqlDriverSQLite     = "sqlite"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	label       string
	createTable string
	upsert      string
	selectOne   string
	selectIDs   string
	maxConns    int
}

type sqlBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dsn string, dialect sqlDialect) (*sqlBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlBackend{
		dsn:       dsn,
		tableName: sqlStateTableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func (b *sqlBackend) Read(ctx context.Context, clientID, stateID string) ([]byte, error) {
	if err := validateKey(clientID, stateID); err != nil {
		return nil, err
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, b.query(b.dialect.selectOne), clientID, stateID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (b *sqlBackend) Write(ctx context.Context, clientID, stateID string, value []byte) error {
	if err := validateKey(clientID, stateID); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, b.query(b.dialect.upsert), clientID, stateID, string(value), time.Now().UTC())
	return err
}

func (b *sqlBackend) List(ctx context.Context, clientID string) ([]string, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, b.query(b.dialect.selectIDs), clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *sqlBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqlBackend) Describe() string {
	return b.dialect.label
}

func (b *sqlBackend) query(format string) string {
	return fmt.Sprintf(format, sqlQuoteIdentifier(b.tableName))
}

func (b *sqlBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.maxConns > 0 {
			db.SetMaxOpenConns(b.dialect.maxConns)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, b.query(b.dialect.createTable)); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
