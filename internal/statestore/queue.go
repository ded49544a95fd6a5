package statestore

import (
	"context"
	"sync"
)

type queueItem struct {
	ctx    context.Context
	update *StateUpdate
	done   chan error
	flush  chan struct{}
}

// workQueue is drained by a single goroutine, so queued updates apply in
// submission order and never concurrently with each other.
type workQueue struct {
	limit int
	apply func(context.Context, *StateUpdate) error
	onErr func(*StateUpdate, error)

	mu      sync.Mutex
	items   []queueItem
	updates int
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newWorkQueue(limit int, apply func(context.Context, *StateUpdate) error, onErr func(*StateUpdate, error)) *workQueue {
	q := &workQueue{
		limit:   limit,
		apply:   apply,
		onErr:   onErr,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *workQueue) push(item queueItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if item.update != nil {
		if q.limit > 0 && q.updates >= q.limit {
			q.mu.Unlock()
			return ErrQueueFull
		}
		q.updates++
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *workQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updates
}

func (q *workQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *workQueue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		item := q.items[0]
		q.items[0] = queueItem{}
		q.items = q.items[1:]
		q.mu.Unlock()

		if item.flush != nil {
			close(item.flush)
			continue
		}
		err := q.apply(item.ctx, item.update)
		q.mu.Lock()
		q.updates--
		q.mu.Unlock()
		if item.done != nil {
			item.done <- err
		} else if err != nil && q.onErr != nil {
			q.onErr(item.update, err)
		}
	}
}

func (q *workQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.stopped
}
