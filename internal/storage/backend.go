package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("backend closed")
)

// Backend is the durable storage collaborator. Values are opaque encoded
// records keyed by tenant and state id.
type Backend interface {
	Read(ctx context.Context, clientID, stateID string) ([]byte, error)
	Write(ctx context.Context, clientID, stateID string, value []byte) error
	List(ctx context.Context, clientID string) ([]string, error)
	Close() error
}

type Describer interface {
	Describe() string
}

type InMemoryBackend struct {
	mu      sync.Mutex
	closed  bool
	records map[string]map[string][]byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{records: map[string]map[string][]byte{}}
}

func (b *InMemoryBackend) Read(_ context.Context, clientID, stateID string) ([]byte, error) {
	if err := validateKey(clientID, stateID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	value, ok := b.records[clientID][stateID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *InMemoryBackend) Write(_ context.Context, clientID, stateID string, value []byte) error {
	if err := validateKey(clientID, stateID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	tenant, ok := b.records[clientID]
	if !ok {
		tenant = map[string][]byte{}
		b.records[clientID] = tenant
	}
	tenant[stateID] = append([]byte(nil), value...)
	return nil
}

func (b *InMemoryBackend) List(_ context.Context, clientID string) ([]string, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(b.records[clientID]))
	for id := range b.records[clientID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *InMemoryBackend) Describe() string {
	return "memory"
}

func validateKey(clientID, stateID string) error {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(stateID) == "" {
		return ErrInvalidInput
	}
	return nil
}

func Describe(b Backend) string {
	if b == nil {
		return "none"
	}
	if d, ok := b.(Describer); ok {
		return d.Describe()
	}
	return "custom"
}
