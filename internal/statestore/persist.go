package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relaystate/internal/storage"
)

// storedRecord is the document written to the storage backend for each
// state. The checksum is the one computed at commit time, so a record
// altered at rest is detectable after LoadStates.
type storedRecord struct {
	Definition StateDefinition `json:"definition"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	Checksum   string          `json:"checksum"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (s *Store) persistLocked(ctx context.Context, def StateDefinition, value map[string]any, version int64, checksum string) error {
	if s.backend == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(storedRecord{
		Definition: def,
		Data:       data,
		Version:    version,
		Checksum:   checksum,
		UpdatedAt:  def.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if err := s.backend.Write(ctx, s.clientID, def.StateID, raw); err != nil {
		return fmt.Errorf("persist %s: %w", def.StateID, err)
	}
	return nil
}

// LoadStates reads every record the backend holds for this tenant and
// replaces the in-memory entries with them. It returns the number loaded.
func (s *Store) LoadStates(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	ids, err := s.backend.List(ctx, s.clientID)
	if err != nil {
		return 0, fmt.Errorf("list states: %w", err)
	}
	loaded := 0
	for _, id := range ids {
		raw, err := s.backend.Read(ctx, s.clientID, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return loaded, fmt.Errorf("read state %s: %w", id, err)
		}
		e, err := s.decodeRecord(id, raw)
		if err != nil {
			s.logger.Warn("skipping unreadable state record", "state_id", id, "error", err)
			continue
		}
		s.mu.Lock()
		s.states[id] = e
		s.mu.Unlock()
		loaded++
	}
	s.logger.Info("loaded states from storage", "count", loaded, "backend", storage.Describe(s.backend))
	return loaded, nil
}

func (s *Store) decodeRecord(id string, raw []byte) (*entry, error) {
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Definition.StateID != id || rec.Definition.ClientID != s.clientID {
		return nil, fmt.Errorf("%w: record belongs to %s/%s", ErrIsolationViolation, rec.Definition.ClientID, rec.Definition.StateID)
	}
	sch, err := compileSchema(id, rec.Definition.Schema)
	if err != nil {
		return nil, err
	}
	var decoded any
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &decoded); err != nil {
			return nil, err
		}
	}
	value, ok := decoded.(map[string]any)
	if !ok {
		value = map[string]any{}
	}
	return &entry{
		def:      rec.Definition,
		value:    value,
		version:  rec.Version,
		checksum: rec.Checksum,
		schema:   sch,
	}, nil
}
