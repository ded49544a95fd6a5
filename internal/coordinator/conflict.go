package coordinator

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaystate/internal/statestore"
)

// DetectConflicts checks update against the locks held on its state and the
// state's last committed change.
func (c *Coordinator) DetectConflicts(update statestore.StateUpdate) []ConflictRecord {
	now := c.now()
	var out []ConflictRecord

	for _, lock := range c.locks.Held(update.StateID) {
		if lock.Type == LockRead || lock.OperationID == update.UpdateID {
			continue
		}
		out = append(out, c.newConflict(ConflictConcurrentUpdate, update, now,
			fmt.Sprintf("%s lock held by operation %s", lock.Type, lock.OperationID)))
		break
	}

	info, err := c.store.Info(update.StateID)
	if err != nil {
		return out
	}
	switch {
	case !update.Timestamp.IsZero() && !update.Timestamp.After(info.LastModified):
		out = append(out, c.newConflict(ConflictVersionMismatch, update, now,
			fmt.Sprintf("update at %s is not after last modification %s", update.Timestamp.Format(time.RFC3339Nano), info.LastModified.Format(time.RFC3339Nano))))
	case update.Data.Version > 0 && update.Data.Version < info.Version:
		out = append(out, c.newConflict(ConflictVersionMismatch, update, now,
			fmt.Sprintf("update based on version %d, current is %d", update.Data.Version, info.Version)))
	}
	return out
}

func (c *Coordinator) newConflict(typ ConflictType, update statestore.StateUpdate, now time.Time, detail string) ConflictRecord {
	return ConflictRecord{
		ConflictID:         uuid.NewString(),
		ClientID:           c.clientID,
		Type:               typ,
		StateID:            update.StateID,
		ConflictingUpdates: []statestore.StateUpdate{update.Clone()},
		Status:             ConflictDetected,
		DetectedAt:         now,
		Detail:             detail,
	}
}

// ResolveConflicts decides between the committed state and incoming using
// the configured strategy. A nil Winner means incoming is discarded.
func (c *Coordinator) ResolveConflicts(ctx context.Context, conflicts []ConflictRecord, incoming statestore.StateUpdate) (*ConflictResolution, error) {
	strategy := c.Strategy()
	res := &ConflictResolution{Strategy: strategy, ResolvedAt: c.now()}

	switch strategy {
	case StrategyLastWriteWins:
		winner := incoming.Clone()
		res.Winner = &winner
		res.Confidence = 0.9
	case StrategyFirstWriteWins:
		res.Rejected = []statestore.StateUpdate{incoming.Clone()}
		res.Confidence = 0.7
	case StrategyMerge:
		winner, err := c.mergeUpdate(incoming)
		if err != nil {
			return nil, err
		}
		res.Winner = &winner
		res.Confidence = 0.6
	case StrategyManual:
		return nil, &ConflictError{StateID: incoming.StateID, Conflicts: conflicts, Err: ErrManualResolution}
	default:
		return nil, fmt.Errorf("%w: resolution strategy %q", ErrInvalidInput, strategy)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) mergeUpdate(incoming statestore.StateUpdate) (statestore.StateUpdate, error) {
	if incoming.Type != statestore.UpdateSet && incoming.Type != statestore.UpdateMerge {
		return incoming.Clone(), nil
	}
	root, err := c.store.GetState(c.clientID, incoming.StateID)
	if err != nil {
		return statestore.StateUpdate{}, err
	}
	value, err := statestore.NormalizeValue(incoming.Data.Value)
	if err != nil {
		return statestore.StateUpdate{}, err
	}
	current, _ := statestore.ValueAt(root, incoming.Data.Path)
	merged := statestore.StateUpdate{
		UpdateID: uuid.NewString(),
		StateID:  incoming.StateID,
		ClientID: incoming.ClientID,
		Type:     statestore.UpdateSet,
		Data: statestore.UpdateData{
			Path:    append([]string(nil), incoming.Data.Path...),
			Value:   mergeValues(current, value),
			Version: incoming.Data.Version,
		},
		Timestamp: incoming.Timestamp,
		Status:    statestore.StatusPending,
	}
	return merged, nil
}

// mergeValues merges objects field by field with incoming winning, unions
// arrays by value and otherwise takes incoming.
func mergeValues(current, incoming any) any {
	switch in := incoming.(type) {
	case map[string]any:
		cur, ok := current.(map[string]any)
		if !ok {
			return statestore.CloneValue(in)
		}
		out := statestore.CloneValue(cur).(map[string]any)
		for k, v := range in {
			if existing, found := out[k]; found {
				out[k] = mergeValues(existing, v)
				continue
			}
			out[k] = statestore.CloneValue(v)
		}
		return out
	case []any:
		cur, ok := current.([]any)
		if !ok {
			return statestore.CloneValue(in)
		}
		out := statestore.CloneValue(cur).([]any)
		for _, item := range in {
			if !containsValue(out, item) {
				out = append(out, statestore.CloneValue(item))
			}
		}
		return out
	default:
		return incoming
	}
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}
