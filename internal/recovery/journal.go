package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/agentworkforce/relaystate/internal/coordinator"
	"github.com/agentworkforce/relaystate/internal/statestore"
	"github.com/agentworkforce/relaystate/internal/storage"
)

var (
	ErrNotFound      = errors.New("backup not found")
	ErrCorruptBackup = errors.New("backup checksum mismatch")
	ErrInvalidInput  = errors.New("invalid input")
)

const (
	backupSuffix   = "#backup"
	conflictSuffix = "#conflict"
)

// Journal keeps backups and conflict records of one tenant in a storage
// backend, next to but separate from the live state records.
type Journal struct {
	clientID string
	backend  storage.Backend
	logger   *slog.Logger
}

func NewJournal(clientID string, backend storage.Backend, logger *slog.Logger) (*Journal, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		clientID: clientID,
		backend:  backend,
		logger:   logger.With("component", "recovery", "client_id", clientID),
	}, nil
}

func (j *Journal) Backup(ctx context.Context, rec coordinator.BackupRecord) error {
	if err := j.own(rec.ClientID); err != nil {
		return err
	}
	if rec.BackupID == "" {
		return fmt.Errorf("%w: backup id is required", ErrInvalidInput)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.backend.Write(ctx, j.clientID+backupSuffix, rec.BackupID, raw)
}

func (j *Journal) RecordConflict(ctx context.Context, rec coordinator.ConflictRecord) error {
	if err := j.own(rec.ClientID); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.backend.Write(ctx, j.clientID+conflictSuffix, rec.ConflictID, raw)
}

// RestoreFromBackup returns the value saved under backupID after checking
// it still matches the checksum recorded with it.
func (j *Journal) RestoreFromBackup(ctx context.Context, backupID string) (any, error) {
	rec, err := j.readBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	sum, err := statestore.Checksum(rec.Value)
	if err != nil {
		return nil, err
	}
	if rec.Checksum != "" && sum != rec.Checksum {
		j.logger.Error("backup failed verification", "backup_id", backupID, "state_id", rec.StateID, "stored", rec.Checksum, "computed", sum)
		return nil, fmt.Errorf("%w: %s", ErrCorruptBackup, backupID)
	}
	return rec.Value, nil
}

func (j *Journal) Backups(ctx context.Context, stateID string) ([]coordinator.BackupRecord, error) {
	ids, err := j.backend.List(ctx, j.clientID+backupSuffix)
	if err != nil {
		return nil, err
	}
	out := []coordinator.BackupRecord{}
	for _, id := range ids {
		rec, err := j.readBackup(ctx, id)
		if err != nil {
			j.logger.Warn("skipping unreadable backup", "backup_id", id, "error", err)
			continue
		}
		if stateID == "" || rec.StateID == stateID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Version != out[b].Version {
			return out[a].Version < out[b].Version
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (j *Journal) Latest(ctx context.Context, stateID string) (coordinator.BackupRecord, error) {
	backups, err := j.Backups(ctx, stateID)
	if err != nil {
		return coordinator.BackupRecord{}, err
	}
	if len(backups) == 0 {
		return coordinator.BackupRecord{}, fmt.Errorf("%w: no backups of %s", ErrNotFound, stateID)
	}
	return backups[len(backups)-1], nil
}

func (j *Journal) Conflicts(ctx context.Context) ([]coordinator.ConflictRecord, error) {
	ids, err := j.backend.List(ctx, j.clientID+conflictSuffix)
	if err != nil {
		return nil, err
	}
	out := make([]coordinator.ConflictRecord, 0, len(ids))
	for _, id := range ids {
		raw, err := j.backend.Read(ctx, j.clientID+conflictSuffix, id)
		if err != nil {
			continue
		}
		var rec coordinator.ConflictRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].DetectedAt.Before(out[b].DetectedAt) })
	return out, nil
}

func (j *Journal) readBackup(ctx context.Context, backupID string) (coordinator.BackupRecord, error) {
	raw, err := j.backend.Read(ctx, j.clientID+backupSuffix, backupID)
	if errors.Is(err, storage.ErrNotFound) {
		return coordinator.BackupRecord{}, fmt.Errorf("%w: %s", ErrNotFound, backupID)
	}
	if err != nil {
		return coordinator.BackupRecord{}, err
	}
	var rec coordinator.BackupRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return coordinator.BackupRecord{}, err
	}
	return rec, nil
}

func (j *Journal) own(clientID string) error {
	if clientID != "" && clientID != j.clientID {
		j.logger.Warn("cross-tenant journal write rejected", "security", true, "requested_client_id", clientID)
		return fmt.Errorf("%w: %s cannot write to %s", statestore.ErrIsolationViolation, clientID, j.clientID)
	}
	return nil
}
