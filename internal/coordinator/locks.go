package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultLockTTL     = 30 * time.Second
)

type lockWaiter struct {
	lock    DataLock
	ttl     time.Duration
	seq     uint64
	ch      chan DataLock
	granted bool
}

type lockQueue struct {
	held    []DataLock
	waiters []*lockWaiter
}

// LockManager grants advisory read/write/exclusive locks per state id.
// Two read locks share a state; any other combination is exclusive.
// Waiters are served by priority, then arrival order.
type LockManager struct {
	clientID       string
	defaultTimeout time.Duration
	defaultTTL     time.Duration
	now            func() time.Time
	logger         *slog.Logger
	metrics        *Metrics

	mu     sync.Mutex
	states map[string]*lockQueue
	byID   map[string]string
	seq    uint64
}

type LockManagerOptions struct {
	ClientID       string
	DefaultTimeout time.Duration
	DefaultTTL     time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
	Metrics        *Metrics
}

func NewLockManager(opts LockManagerOptions) *LockManager {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		clientID:       opts.ClientID,
		defaultTimeout: timeout,
		defaultTTL:     ttl,
		now:            now,
		logger:         logger,
		metrics:        opts.Metrics,
		states:         map[string]*lockQueue{},
		byID:           map[string]string{},
	}
}

// Acquire blocks until the lock is granted, opts.Timeout elapses or ctx is
// done. A timeout yields a *LockTimeoutError.
func (m *LockManager) Acquire(ctx context.Context, stateID string, typ LockType, operationID string, opts LockOptions) (DataLock, error) {
	if stateID == "" {
		return DataLock{}, fmt.Errorf("%w: state id is required", ErrInvalidInput)
	}
	if !typ.Valid() {
		return DataLock{}, fmt.Errorf("%w: lock type %q", ErrInvalidInput, typ)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	start := m.now()
	w := &lockWaiter{
		lock: DataLock{
			LockID:      uuid.NewString(),
			StateID:     stateID,
			ClientID:    m.clientID,
			OperationID: operationID,
			Type:        typ,
			Priority:    opts.Priority,
		},
		ttl: ttl,
		ch:  make(chan DataLock, 1),
	}

	m.mu.Lock()
	q := m.queueLocked(stateID)
	m.expireLocked(stateID, q)
	if len(q.waiters) == 0 && compatible(q.held, typ) {
		lock := m.grantLocked(q, w)
		m.mu.Unlock()
		m.metrics.lockWait(m.clientID, typ, 0)
		return lock, nil
	}
	m.seq++
	w.seq = m.seq
	q.waiters = append(q.waiters, w)
	sort.SliceStable(q.waiters, func(i, j int) bool {
		if q.waiters[i].lock.Priority != q.waiters[j].lock.Priority {
			return q.waiters[i].lock.Priority > q.waiters[j].lock.Priority
		}
		return q.waiters[i].seq < q.waiters[j].seq
	})
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var cause error
	select {
	case lock := <-w.ch:
		m.metrics.lockWait(m.clientID, typ, m.now().Sub(start))
		return lock, nil
	case <-timer.C:
		cause = &LockTimeoutError{StateID: stateID, Type: typ, Waited: timeout}
	case <-ctx.Done():
		cause = ctx.Err()
	}

	m.mu.Lock()
	if w.granted {
		m.mu.Unlock()
		return <-w.ch, nil
	}
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	// A departing head waiter may have been blocking compatible ones.
	m.promoteLocked(q)
	m.pruneLocked(stateID, q)
	m.mu.Unlock()
	m.metrics.lockTimeout(m.clientID, typ)
	return DataLock{}, cause
}

func (m *LockManager) Release(lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stateID, ok := m.byID[lockID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, lockID)
	}
	delete(m.byID, lockID)
	q := m.states[stateID]
	for i, held := range q.held {
		if held.LockID == lockID {
			q.held = append(q.held[:i], q.held[i+1:]...)
			break
		}
	}
	m.promoteLocked(q)
	m.pruneLocked(stateID, q)
	return nil
}

func (m *LockManager) Held(stateID string) []DataLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.states[stateID]
	if !ok {
		return nil
	}
	m.expireLocked(stateID, q)
	return append([]DataLock(nil), q.held...)
}

func (m *LockManager) Waiting(stateID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.states[stateID]; ok {
		return len(q.waiters)
	}
	return 0
}

func (m *LockManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for stateID, q := range m.states {
		expired += m.expireLocked(stateID, q)
		m.pruneLocked(stateID, q)
	}
	return expired
}

func (m *LockManager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *LockManager) queueLocked(stateID string) *lockQueue {
	q, ok := m.states[stateID]
	if !ok {
		q = &lockQueue{}
		m.states[stateID] = q
	}
	return q
}

func (m *LockManager) grantLocked(q *lockQueue, w *lockWaiter) DataLock {
	now := m.now()
	lock := w.lock
	lock.AcquiredAt = now
	lock.ExpiresAt = now.Add(w.ttl)
	q.held = append(q.held, lock)
	m.byID[lock.LockID] = lock.StateID
	w.granted = true
	return lock
}

// promoteLocked grants waiters from the head of the queue for as long as
// they are compatible with what is held.
func (m *LockManager) promoteLocked(q *lockQueue) {
	for len(q.waiters) > 0 {
		head := q.waiters[0]
		if !compatible(q.held, head.lock.Type) {
			return
		}
		q.waiters = q.waiters[1:]
		head.ch <- m.grantLocked(q, head)
	}
}

func (m *LockManager) expireLocked(stateID string, q *lockQueue) int {
	now := m.now()
	kept := q.held[:0]
	expired := 0
	for _, lock := range q.held {
		if now.After(lock.ExpiresAt) {
			delete(m.byID, lock.LockID)
			expired++
			m.logger.Warn("lock expired", "state_id", stateID, "lock_id", lock.LockID, "operation_id", lock.OperationID, "type", lock.Type)
			continue
		}
		kept = append(kept, lock)
	}
	q.held = kept
	if expired > 0 {
		m.promoteLocked(q)
	}
	return expired
}

func (m *LockManager) pruneLocked(stateID string, q *lockQueue) {
	if len(q.held) == 0 && len(q.waiters) == 0 {
		delete(m.states, stateID)
	}
}

func compatible(held []DataLock, typ LockType) bool {
	if len(held) == 0 {
		return true
	}
	if typ != LockRead {
		return false
	}
	for _, lock := range held {
		if lock.Type != LockRead {
			return false
		}
	}
	return true
}
