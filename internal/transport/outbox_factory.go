package transport

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type OutboxFactory func(dsn string, capacity int, policy OverflowPolicy) (Outbox, error)

var outboxFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]OutboxFactory
}{
	factories: map[string]OutboxFactory{},
}

func RegisterOutboxFactory(scheme string, factory OutboxFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	outboxFactoryRegistry.mu.Lock()
	defer outboxFactoryRegistry.mu.Unlock()
	outboxFactoryRegistry.factories[scheme] = factory
}

func lookupOutboxFactory(scheme string) (OutboxFactory, bool) {
	outboxFactoryRegistry.mu.RLock()
	defer outboxFactoryRegistry.mu.RUnlock()
	factory, ok := outboxFactoryRegistry.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// BuildOutboxFromDSN returns nil for an empty DSN; the transport then keeps
// its outbox in memory.
func BuildOutboxFromDSN(dsn string, capacity int, policy OverflowPolicy) (Outbox, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupOutboxFactory(scheme); ok {
		return factory(dsn, capacity, policy)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileOutbox(path, capacity, policy)
	case "memory", "mem", "inmem":
		return NewMemoryOutbox(capacity, policy), nil
	case "redis", "rediss", "nats", "kafka":
		return nil, fmt.Errorf("%w: outbox backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
