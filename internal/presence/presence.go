package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrInvalidInput = errors.New("invalid input")
)

type EventType string

const (
	EventJoin   EventType = "join"
	EventLeave  EventType = "leave"
	EventAttach EventType = "attach"
	EventDetach EventType = "detach"
	EventCursor EventType = "cursor"
)

type Cursor struct {
	StateID   string    `json:"stateId"`
	Path      []string  `json:"path,omitempty"`
	Selection []string  `json:"selection,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Peer struct {
	PeerID   string            `json:"peerId"`
	ClientID string            `json:"clientId"`
	Metadata map[string]string `json:"metadata,omitempty"`
	States   []string          `json:"states"`
	Cursor   *Cursor           `json:"cursor,omitempty"`
	JoinedAt time.Time         `json:"joinedAt"`
	LastSeen time.Time         `json:"lastSeen"`
}

// Event is the ephemeral presence message exchanged on the presence channel.
type Event struct {
	Type     EventType         `json:"type"`
	PeerID   string            `json:"peerId"`
	StateID  string            `json:"stateId,omitempty"`
	Cursor   *Cursor           `json:"cursor,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}

type Snapshot struct {
	ClientID string              `json:"clientId"`
	Peers    []Peer              `json:"peers"`
	States   map[string][]string `json:"states"`
	TakenAt  time.Time           `json:"takenAt"`
}

type Options struct {
	ClientID string
	OnChange func(Event)
	Logger   *slog.Logger
	Now      func() time.Time
}

type peerState struct {
	peer   Peer
	states map[string]bool
}

// Tracker records which peers of one tenant are online and which states
// they have open.
type Tracker struct {
	clientID string
	onChange func(Event)
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	peers map[string]*peerState
}

func NewTracker(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		clientID: opts.ClientID,
		onChange: opts.OnChange,
		logger:   logger,
		now:      now,
		peers:    map[string]*peerState{},
	}
}

func (t *Tracker) Join(peerID string, metadata map[string]string) (Peer, error) {
	if peerID == "" {
		return Peer{}, fmt.Errorf("%w: peer id is required", ErrInvalidInput)
	}
	now := t.now()
	t.mu.Lock()
	ps, ok := t.peers[peerID]
	if !ok {
		ps = &peerState{
			peer:   Peer{PeerID: peerID, ClientID: t.clientID, JoinedAt: now},
			states: map[string]bool{},
		}
		t.peers[peerID] = ps
	}
	ps.peer.Metadata = copyMetadata(metadata)
	ps.peer.LastSeen = now
	out := ps.export()
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("peer joined", "client_id", t.clientID, "peer_id", peerID)
	}
	t.emit(Event{Type: EventJoin, PeerID: peerID, Metadata: copyMetadata(metadata), At: now})
	return out, nil
}

func (t *Tracker) Leave(peerID string) bool {
	t.mu.Lock()
	_, ok := t.peers[peerID]
	delete(t.peers, peerID)
	t.mu.Unlock()
	if ok {
		t.logger.Debug("peer left", "client_id", t.clientID, "peer_id", peerID)
		t.emit(Event{Type: EventLeave, PeerID: peerID, At: t.now()})
	}
	return ok
}

func (t *Tracker) Attach(peerID, stateID string) error {
	if stateID == "" {
		return fmt.Errorf("%w: state id is required", ErrInvalidInput)
	}
	now := t.now()
	err := t.withPeer(peerID, func(ps *peerState) {
		ps.states[stateID] = true
		ps.peer.LastSeen = now
	})
	if err != nil {
		return err
	}
	t.emit(Event{Type: EventAttach, PeerID: peerID, StateID: stateID, At: now})
	return nil
}

func (t *Tracker) Detach(peerID, stateID string) error {
	now := t.now()
	err := t.withPeer(peerID, func(ps *peerState) {
		delete(ps.states, stateID)
		if ps.peer.Cursor != nil && ps.peer.Cursor.StateID == stateID {
			ps.peer.Cursor = nil
		}
		ps.peer.LastSeen = now
	})
	if err != nil {
		return err
	}
	t.emit(Event{Type: EventDetach, PeerID: peerID, StateID: stateID, At: now})
	return nil
}

func (t *Tracker) UpdateCursor(peerID string, cursor Cursor) error {
	if cursor.StateID == "" {
		return fmt.Errorf("%w: cursor needs a state id", ErrInvalidInput)
	}
	now := t.now()
	cursor.UpdatedAt = now
	cursor.Path = append([]string(nil), cursor.Path...)
	cursor.Selection = append([]string(nil), cursor.Selection...)
	err := t.withPeer(peerID, func(ps *peerState) {
		ps.states[cursor.StateID] = true
		c := cursor
		ps.peer.Cursor = &c
		ps.peer.LastSeen = now
	})
	if err != nil {
		return err
	}
	c := cursor
	t.emit(Event{Type: EventCursor, PeerID: peerID, StateID: cursor.StateID, Cursor: &c, At: now})
	return nil
}

// ApplyEvent folds an event received from elsewhere into the tracker.
// Events for unknown peers other than join implicitly join them.
func (t *Tracker) ApplyEvent(ev Event) error {
	if ev.PeerID == "" {
		return fmt.Errorf("%w: event without peer id", ErrInvalidInput)
	}
	if ev.Type != EventJoin && ev.Type != EventLeave {
		t.mu.RLock()
		_, known := t.peers[ev.PeerID]
		t.mu.RUnlock()
		if !known {
			if _, err := t.Join(ev.PeerID, ev.Metadata); err != nil {
				return err
			}
		}
	}
	switch ev.Type {
	case EventJoin:
		_, err := t.Join(ev.PeerID, ev.Metadata)
		return err
	case EventLeave:
		t.Leave(ev.PeerID)
		return nil
	case EventAttach:
		return t.Attach(ev.PeerID, ev.StateID)
	case EventDetach:
		return t.Detach(ev.PeerID, ev.StateID)
	case EventCursor:
		if ev.Cursor == nil {
			return fmt.Errorf("%w: cursor event without cursor", ErrInvalidInput)
		}
		return t.UpdateCursor(ev.PeerID, *ev.Cursor)
	default:
		return fmt.Errorf("%w: event type %q", ErrInvalidInput, ev.Type)
	}
}

func (t *Tracker) Peers(stateID string) []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []Peer{}
	for _, ps := range t.peers {
		if ps.states[stateID] {
			out = append(out, ps.export())
		}
	}
	sortPeers(out)
	return out
}

func (t *Tracker) Online() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, ps := range t.peers {
		out = append(out, ps.export())
	}
	sortPeers(out)
	return out
}

func (t *Tracker) Snapshot() Snapshot {
	peers := t.Online()
	states := map[string][]string{}
	for _, p := range peers {
		for _, id := range p.States {
			states[id] = append(states[id], p.PeerID)
		}
	}
	return Snapshot{ClientID: t.clientID, Peers: peers, States: states, TakenAt: t.now()}
}

func (t *Tracker) withPeer(peerID string, fn func(*peerState)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	fn(ps)
	return nil
}

func (t *Tracker) emit(ev Event) {
	if t.onChange != nil {
		t.onChange(ev)
	}
}

func (ps *peerState) export() Peer {
	out := ps.peer
	out.Metadata = copyMetadata(ps.peer.Metadata)
	out.States = make([]string, 0, len(ps.states))
	for id := range ps.states {
		out.States = append(out.States, id)
	}
	sort.Strings(out.States)
	if ps.peer.Cursor != nil {
		c := *ps.peer.Cursor
		c.Path = append([]string(nil), c.Path...)
		c.Selection = append([]string(nil), c.Selection...)
		out.Cursor = &c
	}
	return out
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
