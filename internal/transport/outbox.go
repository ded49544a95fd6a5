package transport

import (
	"fmt"
	"strings"
	"sync"
)

type OverflowPolicy string

const (
	OverflowReject     OverflowPolicy = "reject"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDropNewest OverflowPolicy = "drop_newest"
)

func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OverflowReject:
		return OverflowReject, nil
	case OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowDropNewest:
		return OverflowDropNewest, nil
	default:
		return "", fmt.Errorf("%w: overflow policy %q", ErrInvalidInput, raw)
	}
}

const defaultOutboxCapacity = 1000

// Outbox holds messages produced while the transport is disconnected. A
// single flusher drains it with Peek then Pop, so a message is removed only
// after it was written.
type Outbox interface {
	// Enqueue appends msg. When full, reject returns ErrOutboxFull,
	// drop_newest discards msg and drop_oldest evicts the head. The
	// discarded message, if any, is returned.
	Enqueue(msg SyncMessage) (*SyncMessage, error)
	Peek() (SyncMessage, bool)
	Pop() error
	Depth() int
	Capacity() int
	Close() error
}

type memoryOutbox struct {
	capacity int
	policy   OverflowPolicy

	mu    sync.Mutex
	items []SyncMessage
}

func NewMemoryOutbox(capacity int, policy OverflowPolicy) Outbox {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	if policy == "" {
		policy = OverflowReject
	}
	return &memoryOutbox{capacity: capacity, policy: policy}
}

func (o *memoryOutbox) Enqueue(msg SyncMessage) (*SyncMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, dropped, err := admit(o.items, msg, o.capacity, o.policy)
	if err != nil {
		return nil, err
	}
	o.items = next
	return dropped, nil
}

func (o *memoryOutbox) Peek() (SyncMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return SyncMessage{}, false
	}
	return o.items[0], true
}

func (o *memoryOutbox) Pop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) > 0 {
		o.items[0] = SyncMessage{}
		o.items = o.items[1:]
	}
	return nil
}

func (o *memoryOutbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *memoryOutbox) Capacity() int {
	return o.capacity
}

func (o *memoryOutbox) Close() error {
	return nil
}

func admit(items []SyncMessage, msg SyncMessage, capacity int, policy OverflowPolicy) ([]SyncMessage, *SyncMessage, error) {
	if len(items) < capacity {
		return append(items, msg), nil, nil
	}
	switch policy {
	case OverflowDropNewest:
		dropped := msg
		return items, &dropped, nil
	case OverflowDropOldest:
		dropped := items[0]
		next := append(items[1:len(items):len(items)], msg)
		return next, &dropped, nil
	default:
		return items, nil, fmt.Errorf("%w: %d messages queued", ErrOutboxFull, len(items))
	}
}
