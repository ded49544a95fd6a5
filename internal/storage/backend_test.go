package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileBackend(filepath.Join(dir, "file", "states.json"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteBackend(filepath.Join(dir, "sqlite", "states.db"))
	require.NoError(t, err)
	bolt, err := NewBoltBackend(filepath.Join(dir, "bolt", "states.db"))
	require.NoError(t, err)
	badger, err := NewBadgerBackend(filepath.Join(dir, "badger"))
	require.NoError(t, err)

	backends := map[string]Backend{
		"memory": NewInMemoryBackend(),
		"file":   file,
		"sqlite": sqlite,
		"bolt":   bolt,
		"badger": badger,
	}
	t.Cleanup(func() {
		for _, b := range backends {
			_ = b.Close()
		}
	})
	return backends
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Read(ctx, "client_a", "profile")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, backend.Write(ctx, "client_a", "profile", []byte(`{"name":"ada"}`)))
			require.NoError(t, backend.Write(ctx, "client_a", "cart", []byte(`{"items":[]}`)))
			require.NoError(t, backend.Write(ctx, "client_b", "profile", []byte(`{"name":"bob"}`)))

			value, err := backend.Read(ctx, "client_a", "profile")
			require.NoError(t, err)
			assert.JSONEq(t, `{"name":"ada"}`, string(value))

			require.NoError(t, backend.Write(ctx, "client_a", "profile", []byte(`{"name":"grace"}`)))
			value, err = backend.Read(ctx, "client_a", "profile")
			require.NoError(t, err)
			assert.JSONEq(t, `{"name":"grace"}`, string(value))

			ids, err := backend.List(ctx, "client_a")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"cart", "profile"}, ids)

			ids, err = backend.List(ctx, "client_missing")
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestBackendRejectsEmptyKeys(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			err := backend.Write(ctx, "", "profile", []byte(`{}`))
			assert.ErrorIs(t, err, ErrInvalidInput)
			_, err = backend.Read(ctx, "client_a", " ")
			assert.ErrorIs(t, err, ErrInvalidInput)
			_, err = backend.List(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestInMemoryBackendCopiesValues(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryBackend()
	payload := []byte(`{"n":1}`)
	require.NoError(t, backend.Write(ctx, "c", "s", payload))
	payload[2] = 'x'

	value, err := backend.Read(ctx, "c", "s")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(value))

	require.NoError(t, backend.Close())
	_, err = backend.Read(ctx, "c", "s")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "states.json")
	first, err := NewFileBackend(path)
	require.NoError(t, err)
	require.NoError(t, first.Write(ctx, "client_a", "profile", []byte(`{"v":1}`)))

	reopened, err := NewFileBackend(path)
	require.NoError(t, err)
	value, err := reopened.Read(ctx, "client_a", "profile")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(value))
}

func TestFileBackendRejectsNonJSON(t *testing.T) {
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "states.json"))
	require.NoError(t, err)
	err = backend.Write(context.Background(), "c", "s", []byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "none", Describe(nil))
	assert.Equal(t, "memory", Describe(NewInMemoryBackend()))
	pg, err := NewPostgresBackend("postgres://localhost/relaystate")
	require.NoError(t, err)
	assert.Equal(t, "postgres", Describe(pg))
}

func TestSQLQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"relaystate_states"`, sqlQuoteIdentifier("relaystate_states"))
	assert.Equal(t, `"we""ird"`, sqlQuoteIdentifier(`we"ird`))
	assert.Equal(t, `""`, sqlQuoteIdentifier(" "))
}

func TestSQLBackendSurfacesOpenError(t *testing.T) {
	pg, err := NewPostgresBackend("postgres://localhost/relaystate")
	require.NoError(t, err)
	openErr := errors.New("dial refused")
	pg.openDB = func(string, string) (*sql.DB, error) {
		return nil, openErr
	}
	_, err = pg.Read(context.Background(), "c", "s")
	assert.ErrorIs(t, err, openErr)
	// initialization is attempted once
	err = pg.Write(context.Background(), "c", "s", []byte(`{}`))
	assert.ErrorIs(t, err, openErr)
}
