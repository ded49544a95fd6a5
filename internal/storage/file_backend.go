package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBackend keeps every tenant's records in one JSON document that is
// rewritten atomically. An flock on a sidecar file serializes writers across
// processes sharing the same path.
type FileBackend struct {
	Path string

	mu sync.Mutex
}

type fileBackendState struct {
	Clients map[string]map[string]json.RawMessage `json:"clients"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileBackend{Path: path}, nil
}

func (b *FileBackend) Read(_ context.Context, clientID, stateID string) ([]byte, error) {
	if err := validateKey(clientID, stateID); err != nil {
		return nil, err
	}
	var out []byte
	err := b.withLock(func() error {
		state, err := b.load()
		if err != nil {
			return err
		}
		value, ok := state.Clients[clientID][stateID]
		if !ok {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	return out, err
}

func (b *FileBackend) Write(_ context.Context, clientID, stateID string, value []byte) error {
	if err := validateKey(clientID, stateID); err != nil {
		return err
	}
	if !json.Valid(value) {
		return ErrInvalidInput
	}
	return b.withLock(func() error {
		state, err := b.load()
		if err != nil {
			return err
		}
		tenant, ok := state.Clients[clientID]
		if !ok {
			tenant = map[string]json.RawMessage{}
			state.Clients[clientID] = tenant
		}
		tenant[stateID] = append(json.RawMessage(nil), value...)
		return b.save(state)
	})
}

func (b *FileBackend) List(_ context.Context, clientID string) ([]string, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrInvalidInput
	}
	var ids []string
	err := b.withLock(func() error {
		state, err := b.load()
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(state.Clients[clientID]))
		for id := range state.Clients[clientID] {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) Describe() string {
	return "file"
}

func (b *FileBackend) withLock(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureDir(); err != nil {
		return err
	}
	lockFile, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lockFile.Close()
	if err := flock(lockFile); err != nil {
		return err
	}
	defer func() {
		_ = funlock(lockFile)
	}()
	return fn()
}

func (b *FileBackend) ensureDir() error {
	dir := filepath.Dir(b.Path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (b *FileBackend) load() (*fileBackendState, error) {
	state := &fileBackendState{Clients: map[string]map[string]json.RawMessage{}}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Clients == nil {
		state.Clients = map[string]map[string]json.RawMessage{}
	}
	return state, nil
}

func (b *FileBackend) save(state *fileBackendState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
