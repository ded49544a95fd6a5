package statestore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type subscription struct {
	id       string
	stateID  string
	callback Callback
	filter   func(Event) bool
	priority int
	seq      uint64
	active   bool
}

// Subscribe registers cb for committed updates to stateID. Callbacks run
// synchronously after each commit, highest priority first; callbacks with
// equal priority run in registration order.
func (s *Store) Subscribe(stateID string, cb Callback, opts SubscribeOptions) (string, error) {
	if strings.TrimSpace(stateID) == "" || cb == nil {
		return "", fmt.Errorf("%w: state id and callback are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subSeq++
	sub := &subscription{
		id:       "sub_" + strconv.FormatUint(s.subSeq, 10),
		seq:      s.subSeq,
		stateID:  stateID,
		callback: cb,
		filter:   opts.Filter,
		priority: opts.Priority,
		active:   true,
	}
	s.subs[stateID] = append(s.subs[stateID], sub)
	s.subsUnsorted[stateID] = true
	s.subIndex[sub.id] = stateID
	return sub.id, nil
}

func (s *Store) Unsubscribe(subID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stateID, ok := s.subIndex[subID]
	if !ok {
		return false
	}
	delete(s.subIndex, subID)
	list := s.subs[stateID]
	kept := make([]*subscription, 0, len(list))
	for _, sub := range list {
		if sub.id == subID {
			sub.active = false
			continue
		}
		kept = append(kept, sub)
	}
	s.subs[stateID] = kept
	return true
}

// subscribersLocked returns the subscribers of stateID in delivery order.
// Registration only appends; the list is sorted on the next delivery.
func (s *Store) subscribersLocked(stateID string) []*subscription {
	list := s.subs[stateID]
	if s.subsUnsorted[stateID] {
		sort.Slice(list, func(i, j int) bool {
			if list[i].priority != list[j].priority {
				return list[i].priority > list[j].priority
			}
			return list[i].seq < list[j].seq
		})
		delete(s.subsUnsorted, stateID)
	}
	return append([]*subscription(nil), list...)
}

func (s *Store) SubscriberCount(stateID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[stateID])
}

// notify delivers one event per subscriber. Each gets its own copy of the
// value, and a panicking callback does not stop delivery to the rest.
func (s *Store) notify(subs []*subscription, stateID string, value map[string]any, update StateUpdate) {
	for _, sub := range subs {
		s.mu.RLock()
		active := sub.active
		s.mu.RUnlock()
		if !active {
			continue
		}
		ev := Event{StateID: stateID, Value: cloneValue(value), Update: update.Clone()}
		s.deliver(sub, ev)
	}
}

func (s *Store) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", "subscription_id", sub.id, "state_id", ev.StateID, "panic", r)
		}
	}()
	if sub.filter != nil && !sub.filter(ev) {
		return
	}
	sub.callback(ev)
}
