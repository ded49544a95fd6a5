package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeySeparator = "\x00"

type BadgerBackend struct {
	db *badger.DB
}

func NewBadgerBackend(dir string) (*BadgerBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Read(_ context.Context, clientID, stateID string) ([]byte, error) {
	if err := validateKey(clientID, stateID); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(clientID, stateID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (b *BadgerBackend) Write(_ context.Context, clientID, stateID string, value []byte) error {
	if err := validateKey(clientID, stateID); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(clientID, stateID), append([]byte(nil), value...))
	})
}

func (b *BadgerBackend) List(_ context.Context, clientID string) ([]string, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrInvalidInput
	}
	prefix := []byte(clientID + badgerKeySeparator)
	ids := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

func (b *BadgerBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BadgerBackend) Describe() string {
	return "badger"
}

func badgerKey(clientID, stateID string) []byte {
	return []byte(clientID + badgerKeySeparator + stateID)
}
