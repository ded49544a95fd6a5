package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaystate/internal/storage"
)

type Options struct {
	ClientID         string
	MaxStates        int
	MaxQueuedUpdates int
	Backend          storage.Backend
	Recorder         LatencyRecorder
	Logger           *slog.Logger
	Now              func() time.Time
}

// Store holds the validated state values of a single tenant.
type Store struct {
	clientID  string
	maxStates int
	backend   storage.Backend
	recorder  LatencyRecorder
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	states   map[string]*entry
	subs     map[string][]*subscription
	subIndex map[string]string
	subSeq   uint64
	closed   bool

	// subsUnsorted marks subscriber lists appended to since the last sort.
	subsUnsorted map[string]bool

	queue *workQueue
}

// entry values are replaced wholesale on every commit and never modified in
// place, so a value read under the lock stays valid after it is released.
type entry struct {
	def      StateDefinition
	value    map[string]any
	version  int64
	checksum string
	schema   *jsonschema.Schema
}

func New(opts Options) (*Store, error) {
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	maxStates := opts.MaxStates
	if maxStates <= 0 {
		maxStates = 100
	}
	maxQueued := opts.MaxQueuedUpdates
	if maxQueued <= 0 {
		maxQueued = 10000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		clientID:  clientID,
		maxStates: maxStates,
		backend:   opts.Backend,
		recorder:  opts.Recorder,
		logger:    logger.With("component", "statestore", "client_id", clientID),
		now:       now,
		states:    map[string]*entry{},
		subs:      map[string][]*subscription{},
		subIndex:  map[string]string{},

		subsUnsorted: map[string]bool{},
	}
	s.queue = newWorkQueue(maxQueued, s.apply, func(u *StateUpdate, err error) {
		s.logger.Warn("queued update failed", "state_id", u.StateID, "update_id", u.UpdateID, "error", err)
	})
	return s, nil
}

func (s *Store) ClientID() string {
	return s.clientID
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.queue.close()
	return nil
}

func (s *Store) CreateState(ctx context.Context, def StateDefinition, initial any) (string, error) {
	start := s.now()
	if def.ClientID == "" {
		def.ClientID = s.clientID
	}
	if err := s.checkClient(def.ClientID, "create_state", def.StateID); err != nil {
		return "", err
	}
	def.StateID = strings.TrimSpace(def.StateID)
	if def.StateID == "" {
		return "", fmt.Errorf("%w: state id is required", ErrInvalidInput)
	}
	if err := s.checkCapacity(def.StateID); err != nil {
		return "", err
	}

	sch, err := compileSchema(def.StateID, def.Schema)
	if err != nil {
		return "", err
	}
	normalized, err := normalizeValue(initial)
	if err != nil {
		return "", err
	}
	value, ok := normalized.(map[string]any)
	if normalized == nil {
		value, ok = map[string]any{}, true
	}
	if !ok {
		return "", fmt.Errorf("%w: initial data must be an object", ErrInvalidInput)
	}
	if err := applyDefaults(value, def.Schema); err != nil {
		return "", err
	}
	if err := validateValue(def.StateID, sch, value); err != nil {
		return "", err
	}
	checksum, err := Checksum(value)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if err := s.checkCapacityLocked(def.StateID); err != nil {
		return "", err
	}
	created := s.now()
	def.IsActive = true
	def.CreatedAt = created
	def.UpdatedAt = created
	def.Schema = cloneSchema(def.Schema)
	if err := s.persistLocked(ctx, def, value, 1, checksum); err != nil {
		return "", err
	}
	s.states[def.StateID] = &entry{
		def:      def,
		value:    value,
		version:  1,
		checksum: checksum,
		schema:   sch,
	}
	if _, ok := s.subs[def.StateID]; !ok {
		s.subs[def.StateID] = []*subscription{}
	}
	s.observe("create_state", start)
	s.logger.Debug("state created", "state_id", def.StateID)
	return def.StateID, nil
}

func (s *Store) checkCapacity(stateID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkCapacityLocked(stateID)
}

func (s *Store) checkCapacityLocked(stateID string) error {
	if existing, ok := s.states[stateID]; ok && existing.def.IsActive {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, stateID)
	}
	active := 0
	for _, e := range s.states {
		if e.def.IsActive {
			active++
		}
	}
	if active >= s.maxStates {
		return fmt.Errorf("%w: %d active states", ErrStateLimit, active)
	}
	return nil
}

// UpdateState validates u and applies it. Updates to states with a batching
// strategy are queued and this returns once the update is accepted; the
// outcome is recorded on u.
func (s *Store) UpdateState(ctx context.Context, u *StateUpdate) error {
	batching, err := s.prepare(u)
	if err != nil {
		return err
	}
	if !batching {
		return s.apply(ctx, u)
	}
	return s.queue.push(queueItem{ctx: context.Background(), update: u})
}

// Apply is UpdateState that always waits for the outcome. Batched updates
// still pass through the queue so their order is kept.
func (s *Store) Apply(ctx context.Context, u *StateUpdate) error {
	batching, err := s.prepare(u)
	if err != nil {
		return err
	}
	if !batching {
		return s.apply(ctx, u)
	}
	done := make(chan error, 1)
	if err := s.queue.push(queueItem{ctx: context.WithoutCancel(ctx), update: u, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if err := s.queue.push(queueItem{flush: marker}); err != nil {
		return err
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) QueueDepth() int {
	return s.queue.depth()
}

func (s *Store) prepare(u *StateUpdate) (bool, error) {
	if u == nil {
		return false, fmt.Errorf("%w: nil update", ErrInvalidInput)
	}
	if u.ClientID == "" {
		u.ClientID = s.clientID
	}
	if err := s.checkClient(u.ClientID, "update_state", u.StateID); err != nil {
		return false, err
	}
	if !u.pending() {
		return false, fmt.Errorf("%w: %s is %s", ErrUpdateFinalized, u.UpdateID, u.Status)
	}
	if u.UpdateID == "" {
		u.UpdateID = uuid.NewString()
	}
	u.Status = StatusPending

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if !u.Type.Valid() {
		return false, s.failLocked(u, fmt.Errorf("%w: unknown update type %q", ErrInvalidInput, u.Type))
	}
	e, ok := s.states[u.StateID]
	if !ok {
		return false, s.failLocked(u, fmt.Errorf("%w: %s", ErrNotFound, u.StateID))
	}
	if !e.def.IsActive {
		return false, s.failLocked(u, fmt.Errorf("%w: %s", ErrInactive, u.StateID))
	}
	return e.def.Strategy.Batching, nil
}

// apply mutates a copy of the current value and swaps it in only when the
// result validates and has been persisted.
func (s *Store) apply(ctx context.Context, u *StateUpdate) error {
	start := s.now()
	s.mu.Lock()
	if !u.pending() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrUpdateFinalized, u.UpdateID, u.Status)
	}
	e, ok := s.states[u.StateID]
	if !ok {
		err := s.failLocked(u, fmt.Errorf("%w: %s", ErrNotFound, u.StateID))
		s.mu.Unlock()
		return err
	}
	if !e.def.IsActive {
		err := s.failLocked(u, fmt.Errorf("%w: %s", ErrInactive, u.StateID))
		s.mu.Unlock()
		return err
	}

	next, err := applyMutation(cloneValue(e.value), u)
	if err != nil {
		err = s.failLocked(u, err)
		s.mu.Unlock()
		return err
	}
	value, ok := next.(map[string]any)
	if !ok {
		err := s.failLocked(u, &ValidationError{StateID: u.StateID, Fields: []FieldError{{Field: "$", Message: "state value must be an object"}}})
		s.mu.Unlock()
		return err
	}
	if err := validateValue(u.StateID, e.schema, value); err != nil {
		err = s.failLocked(u, err)
		s.mu.Unlock()
		return err
	}
	checksum, err := Checksum(value)
	if err != nil {
		err = s.failLocked(u, err)
		s.mu.Unlock()
		return err
	}
	def := e.def
	def.UpdatedAt = s.now()
	version := e.version + 1
	if err := s.persistLocked(ctx, def, value, version, checksum); err != nil {
		err = s.failLocked(u, err)
		s.mu.Unlock()
		return err
	}
	e.def = def
	e.value = value
	e.version = version
	e.checksum = checksum
	u.Status = StatusApplied
	u.Validation = &ValidationResult{Valid: true}
	subs := s.subscribersLocked(u.StateID)
	committed := u.Clone()
	s.mu.Unlock()

	s.countUpdate(committed.Type, StatusApplied)
	s.notify(subs, u.StateID, value, committed)
	s.observe("update_state", start)
	return nil
}

func (s *Store) failLocked(u *StateUpdate, err error) error {
	u.Status = StatusFailed
	result := &ValidationResult{Valid: false, Error: err.Error()}
	var verr *ValidationError
	if errors.As(err, &verr) {
		result.Errors = append([]FieldError(nil), verr.Fields...)
	}
	u.Validation = result
	s.countUpdate(u.Type, StatusFailed)
	return err
}

func (s *Store) GetState(clientID, stateID string) (any, error) {
	start := s.now()
	if err := s.checkClient(clientID, "get_state", stateID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.states[stateID]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, stateID)
	}
	if !e.def.IsActive {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrInactive, stateID)
	}
	value := e.value
	s.mu.RUnlock()
	out := cloneValue(value)
	s.observe("get_state", start)
	return out, nil
}

func (s *Store) Definition(stateID string) (StateDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.states[stateID]
	if !ok {
		return StateDefinition{}, fmt.Errorf("%w: %s", ErrNotFound, stateID)
	}
	def := e.def
	def.Schema = cloneSchema(e.def.Schema)
	return def, nil
}

func (s *Store) Info(stateID string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.states[stateID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, stateID)
	}
	return Info{
		StateID:      stateID,
		Version:      e.version,
		LastModified: e.def.UpdatedAt,
		Checksum:     e.checksum,
		IsActive:     e.def.IsActive,
		Batching:     e.def.Strategy.Batching,
	}, nil
}

func (s *Store) ListStates() []StateDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StateDefinition, 0, len(s.states))
	for _, e := range s.states {
		def := e.def
		def.Schema = cloneSchema(e.def.Schema)
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StateID < out[j].StateID })
	return out
}

func (s *Store) DeactivateState(ctx context.Context, stateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.states[stateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, stateID)
	}
	if !e.def.IsActive {
		return nil
	}
	def := e.def
	def.IsActive = false
	def.UpdatedAt = s.now()
	if err := s.persistLocked(ctx, def, e.value, e.version, e.checksum); err != nil {
		return err
	}
	e.def = def
	s.logger.Info("state deactivated", "state_id", stateID)
	return nil
}

func (s *Store) Checksum(stateID string) (string, error) {
	s.mu.RLock()
	e, ok := s.states[stateID]
	var value map[string]any
	if ok {
		value = e.value
	}
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, stateID)
	}
	return Checksum(value)
}

func (s *Store) Validate(stateID string) error {
	s.mu.RLock()
	e, ok := s.states[stateID]
	var (
		value map[string]any
		sch   *jsonschema.Schema
	)
	if ok {
		value, sch = e.value, e.schema
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, stateID)
	}
	return validateValue(stateID, sch, value)
}

func (s *Store) checkClient(clientID, op, stateID string) error {
	if clientID == "" || clientID == s.clientID {
		return nil
	}
	s.logger.Warn("cross-tenant access rejected",
		"security", true,
		"op", op,
		"state_id", stateID,
		"requested_client_id", clientID,
	)
	return fmt.Errorf("%w: %s cannot access %s", ErrIsolationViolation, clientID, s.clientID)
}

func (s *Store) observe(op string, start time.Time) {
	if s.recorder == nil {
		return
	}
	s.recorder.ObserveLatency(op, s.now().Sub(start))
}

func (s *Store) countUpdate(t UpdateType, status UpdateStatus) {
	if o, ok := s.recorder.(updateObserver); ok {
		o.ObserveUpdate(t, status)
	}
}

func cloneSchema(in map[string]PropertySchema) map[string]PropertySchema {
	if in == nil {
		return nil
	}
	out := make(map[string]PropertySchema, len(in))
	for k, v := range in {
		v.Default = cloneValue(v.Default)
		out[k] = v
	}
	return out
}

func ValueAt(root any, path []string) (any, bool) {
	return getPath(root, path)
}

func CloneValue(v any) any {
	return cloneValue(v)
}

func NormalizeValue(v any) (any, error) {
	return normalizeValue(v)
}
