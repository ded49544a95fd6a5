package statestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) CreateSnapshot(stateID string) (Snapshot, error) {
	s.mu.RLock()
	e, ok := s.states[stateID]
	if !ok {
		s.mu.RUnlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, stateID)
	}
	value, version := e.value, e.version
	s.mu.RUnlock()

	checksum, err := Checksum(value)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		StateID:   stateID,
		ClientID:  s.clientID,
		Data:      cloneValue(value),
		Version:   version,
		Checksum:  checksum,
		Timestamp: s.now(),
	}, nil
}

// RestoreSnapshot replaces the live value with snap.Data after checking the
// tenant, the checksum and the schema. Subscribers see it as a set.
func (s *Store) RestoreSnapshot(ctx context.Context, snap Snapshot) error {
	start := s.now()
	if err := s.checkClient(snap.ClientID, "restore_snapshot", snap.StateID); err != nil {
		return err
	}
	normalized, err := normalizeValue(snap.Data)
	if err != nil {
		return err
	}
	checksum, err := Checksum(normalized)
	if err != nil {
		return err
	}
	if checksum != snap.Checksum {
		return fmt.Errorf("%w: snapshot of %s has %s, data hashes to %s", ErrChecksumMismatch, snap.StateID, snap.Checksum, checksum)
	}
	value, ok := normalized.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: snapshot data must be an object", ErrInvalidInput)
	}

	s.mu.Lock()
	e, ok := s.states[snap.StateID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, snap.StateID)
	}
	if err := validateValue(snap.StateID, e.schema, value); err != nil {
		s.mu.Unlock()
		return err
	}
	def := e.def
	def.UpdatedAt = s.now()
	version := e.version + 1
	if err := s.persistLocked(ctx, def, value, version, checksum); err != nil {
		s.mu.Unlock()
		return err
	}
	e.def = def
	e.value = value
	e.version = version
	e.checksum = checksum
	subs := s.subscribersLocked(snap.StateID)
	s.mu.Unlock()

	restored := StateUpdate{
		UpdateID:   uuid.NewString(),
		StateID:    snap.StateID,
		ClientID:   s.clientID,
		Type:       UpdateSet,
		Data:       UpdateData{Value: cloneValue(value), Version: version},
		Timestamp:  def.UpdatedAt,
		Status:     StatusApplied,
		Validation: &ValidationResult{Valid: true},
	}
	s.notify(subs, snap.StateID, value, restored)
	s.observe("restore_snapshot", start)
	s.logger.Info("snapshot restored", "state_id", snap.StateID, "version", version)
	return nil
}
