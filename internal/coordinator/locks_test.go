package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocks() *LockManager {
	return NewLockManager(LockManagerOptions{ClientID: "client_a"})
}

func waitForWaiters(t *testing.T, m *LockManager, stateID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Waiting(stateID) == n }, 2*time.Second, time.Millisecond)
}

func TestWriteLocksAreMutuallyExclusive(t *testing.T) {
	m := newTestLocks()
	ctx := context.Background()

	first, err := m.Acquire(ctx, "doc", LockWrite, "op1", LockOptions{})
	require.NoError(t, err)
	assert.Equal(t, "client_a", first.ClientID)
	assert.False(t, first.AcquiredAt.IsZero())
	assert.True(t, first.ExpiresAt.After(first.AcquiredAt))

	granted := make(chan DataLock, 1)
	go func() {
		lock, err := m.Acquire(ctx, "doc", LockWrite, "op2", LockOptions{Timeout: 2 * time.Second})
		if err == nil {
			granted <- lock
		}
	}()
	waitForWaiters(t, m, "doc", 1)
	select {
	case <-granted:
		t.Fatal("second writer granted while first holds the lock")
	default:
	}

	require.NoError(t, m.Release(first.LockID))
	select {
	case lock := <-granted:
		assert.Equal(t, "op2", lock.OperationID)
		require.Len(t, m.Held("doc"), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not granted after release")
	}
}

func TestReadLocksShareButBlockWriters(t *testing.T) {
	m := newTestLocks()
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "doc", LockRead, "r1", LockOptions{})
	require.NoError(t, err)
	r2, err := m.Acquire(ctx, "doc", LockRead, "r2", LockOptions{})
	require.NoError(t, err)
	assert.Len(t, m.Held("doc"), 2)

	_, err = m.Acquire(ctx, "doc", LockWrite, "w", LockOptions{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, m.Release(r1.LockID))
	require.NoError(t, m.Release(r2.LockID))
	w, err := m.Acquire(ctx, "doc", LockWrite, "w", LockOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, m.Release(w.LockID))
	assert.Empty(t, m.Held("doc"))
}

func TestExclusiveLockTimesOutAfterDeadline(t *testing.T) {
	m := newTestLocks()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc", LockExclusive, "holder", LockOptions{})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "doc", LockExclusive, "late", LockOptions{Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	var timeoutErr *LockTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, "doc", timeoutErr.StateID)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, 0, m.Waiting("doc"))
}

func TestWaitersAreServedByPriorityThenArrival(t *testing.T) {
	m := newTestLocks()
	ctx := context.Background()

	holder, err := m.Acquire(ctx, "doc", LockWrite, "holder", LockOptions{})
	require.NoError(t, err)

	type grant struct {
		name string
		lock DataLock
	}
	grants := make(chan grant, 3)
	enqueue := func(name string, priority, want int) {
		go func() {
			lock, err := m.Acquire(ctx, "doc", LockWrite, name, LockOptions{Timeout: 5 * time.Second, Priority: priority})
			if err == nil {
				grants <- grant{name: name, lock: lock}
			}
		}()
		waitForWaiters(t, m, "doc", want)
	}
	enqueue("low", 1, 1)
	enqueue("high", 5, 2)
	enqueue("low-second", 1, 3)

	require.NoError(t, m.Release(holder.LockID))
	var order []string
	for i := 0; i < 3; i++ {
		select {
		case g := <-grants:
			order = append(order, g.name)
			require.NoError(t, m.Release(g.lock.LockID))
		case <-time.After(3 * time.Second):
			t.Fatalf("only %v granted", order)
		}
	}
	assert.Equal(t, []string{"high", "low", "low-second"}, order)
}

func TestExpiredLocksAreSwept(t *testing.T) {
	m := newTestLocks()
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "doc", LockWrite, "op", LockOptions{TTL: 10 * time.Millisecond})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, m.Sweep())
	assert.Empty(t, m.Held("doc"))
	assert.ErrorIs(t, m.Release(lock.LockID), ErrLockNotHeld)

	_, err = m.Acquire(ctx, "doc", LockWrite, "next", LockOptions{Timeout: 10 * time.Millisecond})
	assert.NoError(t, err)
}

func TestExpiredHolderUnblocksWaiterOnSweep(t *testing.T) {
	m := newTestLocks()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc", LockWrite, "stuck", LockOptions{TTL: 20 * time.Millisecond})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "doc", LockWrite, "waiting", LockOptions{Timeout: 2 * time.Second})
		done <- err
	}()
	waitForWaiters(t, m, "doc", 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = m.Run(runCtx, 5*time.Millisecond) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never granted after holder expired")
	}
}

func TestAcquireRejectsBadInput(t *testing.T) {
	m := newTestLocks()
	_, err := m.Acquire(context.Background(), "", LockRead, "op", LockOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = m.Acquire(context.Background(), "doc", LockType("shared"), "op", LockOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAcquireHonoursContextCancellation(t *testing.T) {
	m := newTestLocks()
	_, err := m.Acquire(context.Background(), "doc", LockWrite, "holder", LockOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "doc", LockRead, "reader", LockOptions{Timeout: time.Minute})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Waiting("doc"))
}
