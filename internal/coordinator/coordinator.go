package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaystate/internal/statestore"
)

const (
	defaultMaxProperties = 1000
	conflictHistoryLimit = 256
)

type Broadcaster interface {
	BroadcastStateUpdate(ctx context.Context, update statestore.StateUpdate) error
}

// Recovery receives committed values and conflict records and can hand a
// backed-up value back.
type Recovery interface {
	Backup(ctx context.Context, rec BackupRecord) error
	RecordConflict(ctx context.Context, rec ConflictRecord) error
	RestoreFromBackup(ctx context.Context, backupID string) (any, error)
}

type Options struct {
	Store             *statestore.Store
	Broadcaster       Broadcaster
	Recovery          Recovery
	Strategy          ResolutionStrategy
	LockTimeout       time.Duration
	LockTTL           time.Duration
	SweepInterval     time.Duration
	AuditInterval     time.Duration
	ValidateIntegrity bool
	MaxProperties     int
	Metrics           *Metrics
	Logger            *slog.Logger
	Now               func() time.Time
}

// Coordinator serializes writes per state id, reconciles conflicting
// updates and keeps an eye on data integrity for one tenant.
type Coordinator struct {
	clientID      string
	store         *statestore.Store
	broadcaster   Broadcaster
	recovery      Recovery
	locks         *LockManager
	lockTimeout   time.Duration
	sweepInterval time.Duration
	auditInterval time.Duration
	integrity     bool
	maxProperties int
	metrics       *Metrics
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.RWMutex
	strategy  ResolutionStrategy
	conflicts []ConflictRecord
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	maxProps := opts.MaxProperties
	if maxProps <= 0 {
		maxProps = defaultMaxProperties
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientID := opts.Store.ClientID()
	logger = logger.With("component", "coordinator", "client_id", clientID)
	return &Coordinator{
		clientID:    clientID,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		recovery:    opts.Recovery,
		locks: NewLockManager(LockManagerOptions{
			ClientID:       clientID,
			DefaultTimeout: lockTimeout,
			DefaultTTL:     opts.LockTTL,
			Now:            now,
			Logger:         logger,
			Metrics:        opts.Metrics,
		}),
		lockTimeout:   lockTimeout,
		sweepInterval: sweep,
		auditInterval: opts.AuditInterval,
		integrity:     opts.ValidateIntegrity,
		maxProperties: maxProps,
		metrics:       opts.Metrics,
		logger:        logger,
		now:           now,
		strategy:      strategy,
	}, nil
}

func (c *Coordinator) Locks() *LockManager {
	return c.locks
}

func (c *Coordinator) Strategy() ResolutionStrategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy
}

func (c *Coordinator) SetStrategy(s ResolutionStrategy) error {
	parsed, err := ParseStrategy(string(s))
	if err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.strategy
	c.strategy = parsed
	c.mu.Unlock()
	if prev != parsed {
		c.logger.Info("resolution strategy changed", "from", prev, "to", parsed)
	}
	return nil
}

func (c *Coordinator) Conflicts() []ConflictRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ConflictRecord(nil), c.conflicts...)
}

func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.locks.Run(gctx, c.sweepInterval)
	})
	if c.auditInterval > 0 {
		g.Go(func() error {
			return c.auditLoop(gctx)
		})
	}
	return g.Wait()
}

// ApplyConsistentUpdate applies a local update under a write lock on its
// state and broadcasts it once committed. The resolution is nil when no
// conflict was detected.
func (c *Coordinator) ApplyConsistentUpdate(ctx context.Context, u *statestore.StateUpdate) (*ConflictResolution, error) {
	return c.applyConsistent(ctx, u, true)
}

// HandleStateUpdate applies an update received from a peer. It is not
// broadcast again. An update the resolution rejects fails with a
// *ConflictError.
func (c *Coordinator) HandleStateUpdate(ctx context.Context, update statestore.StateUpdate) error {
	u := update.Clone()
	u.Status = statestore.StatusPending
	u.Validation = nil
	res, err := c.applyConsistent(ctx, &u, false)
	if err != nil {
		return err
	}
	if res != nil && res.Winner == nil {
		return &ConflictError{StateID: u.StateID, Err: fmt.Errorf("update %s rejected by %s", u.UpdateID, res.Strategy)}
	}
	return nil
}

func (c *Coordinator) HandleStateRequest(_ context.Context, stateID string) (any, error) {
	return c.store.GetState(c.clientID, stateID)
}

func (c *Coordinator) applyConsistent(ctx context.Context, u *statestore.StateUpdate, outbound bool) (*ConflictResolution, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: nil update", ErrInvalidInput)
	}
	if u.ClientID == "" {
		u.ClientID = c.clientID
	}
	if u.ClientID != c.clientID {
		c.logger.Warn("cross-tenant update rejected",
			"security", true,
			"state_id", u.StateID,
			"requested_client_id", u.ClientID,
		)
		return nil, fmt.Errorf("%w: %s cannot update %s", statestore.ErrIsolationViolation, u.ClientID, c.clientID)
	}
	if u.Status != "" && u.Status != statestore.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", statestore.ErrUpdateFinalized, u.UpdateID, u.Status)
	}
	if u.UpdateID == "" {
		u.UpdateID = uuid.NewString()
	}

	lock, err := c.locks.Acquire(ctx, u.StateID, LockWrite, u.UpdateID, LockOptions{Timeout: c.lockTimeout})
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			rec := c.newConflict(ConflictLockTimeout, *u, c.now(), err.Error())
			rec.Status = ConflictFailed
			c.recordConflict(ctx, rec)
		}
		return nil, err
	}
	defer func() {
		if err := c.locks.Release(lock.LockID); err != nil {
			c.logger.Warn("release lock failed", "lock_id", lock.LockID, "error", err)
		}
	}()

	conflicts := c.DetectConflicts(*u)
	if u.Timestamp.IsZero() {
		u.Timestamp = c.now()
	}

	target := u
	var res *ConflictResolution
	if len(conflicts) > 0 {
		for i := range conflicts {
			conflicts[i].Status = ConflictResolving
		}
		res, err = c.ResolveConflicts(ctx, conflicts, *u)
		if err != nil {
			c.finishConflicts(ctx, conflicts, ConflictFailed, nil)
			return nil, err
		}
		c.finishConflicts(ctx, conflicts, ConflictResolved, res)
		if res.Winner == nil {
			u.Status = statestore.StatusFailed
			u.Validation = &statestore.ValidationResult{Valid: false, Error: fmt.Sprintf("rejected by %s", res.Strategy)}
			return res, nil
		}
		if res.Winner.UpdateID != u.UpdateID {
			winner := res.Winner.Clone()
			target = &winner
		}
	}

	if c.integrity {
		if info, infoErr := c.store.Info(u.StateID); infoErr == nil && info.IsActive {
			if report := c.ValidateIntegrity(u.StateID); !report.Valid {
				rec := c.newConflict(ConflictDataCorruption, *u, c.now(), report.failures())
				rec.Status = ConflictFailed
				c.recordConflict(ctx, rec)
				return res, fmt.Errorf("%w: %s: %s", ErrIntegrity, u.StateID, rec.Detail)
			}
		}
	}

	err = c.store.Apply(ctx, target)
	if target != u {
		u.Status = target.Status
		u.Validation = target.Validation
	}
	if err != nil {
		return res, err
	}
	committed := target.Clone()
	if res != nil {
		res.Winner = &committed
	}
	c.afterCommit(ctx, committed, outbound)
	return res, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, committed statestore.StateUpdate, outbound bool) {
	if outbound && c.broadcaster != nil {
		if err := c.broadcaster.BroadcastStateUpdate(ctx, committed); err != nil {
			c.logger.Warn("broadcast failed", "state_id", committed.StateID, "update_id", committed.UpdateID, "error", err)
		}
	}
	if c.recovery == nil {
		return
	}
	value, err := c.store.GetState(c.clientID, committed.StateID)
	if err != nil {
		return
	}
	info, err := c.store.Info(committed.StateID)
	if err != nil {
		return
	}
	rec := BackupRecord{
		BackupID:  uuid.NewString(),
		ClientID:  c.clientID,
		StateID:   committed.StateID,
		Version:   info.Version,
		Checksum:  info.Checksum,
		Value:     value,
		Update:    committed,
		CreatedAt: c.now(),
	}
	if err := c.recovery.Backup(ctx, rec); err != nil {
		c.logger.Warn("backup failed", "state_id", committed.StateID, "error", err)
	}
}

func (c *Coordinator) finishConflicts(ctx context.Context, conflicts []ConflictRecord, status ConflictStatus, res *ConflictResolution) {
	for _, rec := range conflicts {
		rec.Status = status
		if res != nil {
			resolution := *res
			rec.Resolution = &resolution
		}
		c.recordConflict(ctx, rec)
	}
}

func (c *Coordinator) recordConflict(ctx context.Context, rec ConflictRecord) {
	c.mu.Lock()
	c.conflicts = append(c.conflicts, rec)
	if over := len(c.conflicts) - conflictHistoryLimit; over > 0 {
		c.conflicts = append([]ConflictRecord(nil), c.conflicts[over:]...)
	}
	c.mu.Unlock()

	c.metrics.conflict(c.clientID, rec)
	c.logger.Info("conflict", "conflict_id", rec.ConflictID, "type", rec.Type, "state_id", rec.StateID, "status", rec.Status, "detail", rec.Detail)
	if c.recovery == nil {
		return
	}
	if err := c.recovery.RecordConflict(ctx, rec); err != nil {
		c.logger.Warn("record conflict failed", "conflict_id", rec.ConflictID, "error", err)
	}
}

// Recover replaces the value of stateID with a backed-up value. The restore
// goes through the normal locked path and is broadcast like any update.
func (c *Coordinator) Recover(ctx context.Context, stateID, backupID string) error {
	if c.recovery == nil {
		return ErrRecoveryUnavailable
	}
	value, err := c.recovery.RestoreFromBackup(ctx, backupID)
	if err != nil {
		return err
	}
	u := &statestore.StateUpdate{
		StateID:  stateID,
		ClientID: c.clientID,
		Type:     statestore.UpdateSet,
		Data:     statestore.UpdateData{Value: value},
	}
	if _, err := c.applyConsistent(ctx, u, true); err != nil {
		return fmt.Errorf("recover %s from %s: %w", stateID, backupID, err)
	}
	c.logger.Info("state recovered", "state_id", stateID, "backup_id", backupID)
	return nil
}
