package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

type BuildFunc func(clientID string) (Options, error)

// Manager owns the runtimes of every client served by this process.
type Manager struct {
	build  BuildFunc
	logger *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
	closed   bool
}

func NewManager(build BuildFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		build:    build,
		logger:   logger.With("component", "tenant_manager"),
		runtimes: map[string]*Runtime{},
	}
}

func (m *Manager) Get(ctx context.Context, clientID string) (*Runtime, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if rt, ok := m.runtimes[clientID]; ok {
		return rt, nil
	}
	if m.build == nil {
		return nil, fmt.Errorf("%w: no runtime builder configured", ErrInvalidInput)
	}
	opts, err := m.build(clientID)
	if err != nil {
		return nil, fmt.Errorf("build options for %s: %w", clientID, err)
	}
	opts.ClientID = clientID
	rt, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	m.runtimes[clientID] = rt
	m.logger.Info("tenant started", "client_id", clientID)
	return rt, nil
}

func (m *Manager) Lookup(clientID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[clientID]
	return rt, ok
}

func (m *Manager) Clients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Remove(clientID string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[clientID]
	delete(m.runtimes, clientID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logger.Info("tenant stopped", "client_id", clientID)
	return rt.Close()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	runtimes := m.runtimes
	m.runtimes = map[string]*Runtime{}
	m.mu.Unlock()

	var errs []error
	for id, rt := range runtimes {
		if err := rt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
