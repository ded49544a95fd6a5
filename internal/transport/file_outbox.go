package transport

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileOutbox struct {
	path     string
	capacity int
	policy   OverflowPolicy

	mu    sync.Mutex
	items []SyncMessage
}

type fileOutboxState struct {
	Items []SyncMessage `json:"items"`
}

func NewFileOutbox(path string, capacity int, policy OverflowPolicy) (Outbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	if policy == "" {
		policy = OverflowReject
	}
	o := &fileOutbox{
		path:     path,
		capacity: capacity,
		policy:   policy,
		items:    []SyncMessage{},
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *fileOutbox) Enqueue(msg SyncMessage) (*SyncMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.items
	next, dropped, err := admit(append([]SyncMessage(nil), o.items...), msg, o.capacity, o.policy)
	if err != nil {
		return nil, err
	}
	o.items = next
	if err := o.saveLocked(); err != nil {
		o.items = prev
		return nil, err
	}
	return dropped, nil
}

func (o *fileOutbox) Peek() (SyncMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return SyncMessage{}, false
	}
	return o.items[0], true
}

func (o *fileOutbox) Pop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil
	}
	head := o.items[0]
	o.items = o.items[1:]
	if err := o.saveLocked(); err != nil {
		o.items = append([]SyncMessage{head}, o.items...)
		return err
	}
	return nil
}

func (o *fileOutbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *fileOutbox) Capacity() int {
	return o.capacity
}

func (o *fileOutbox) Close() error {
	return nil
}

func (o *fileOutbox) load() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := os.ReadFile(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileOutboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > o.capacity {
		o.items = append([]SyncMessage(nil), snapshot.Items[len(snapshot.Items)-o.capacity:]...)
		return o.saveLocked()
	}
	o.items = append([]SyncMessage(nil), snapshot.Items...)
	return nil
}

func (o *fileOutbox) saveLocked() error {
	data, err := json.Marshal(fileOutboxState{Items: o.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return err
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, o.path)
}
