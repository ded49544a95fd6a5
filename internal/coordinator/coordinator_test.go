package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaystate/internal/statestore"
	"github.com/agentworkforce/relaystate/internal/storage"
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []statestore.StateUpdate
	err     error
}

func (b *recordingBroadcaster) BroadcastStateUpdate(_ context.Context, u statestore.StateUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, u)
	return b.err
}

func (b *recordingBroadcaster) sent() []statestore.StateUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]statestore.StateUpdate(nil), b.updates...)
}

type memoryRecovery struct {
	mu        sync.Mutex
	backups   []BackupRecord
	conflicts []ConflictRecord
}

func (r *memoryRecovery) Backup(_ context.Context, rec BackupRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backups = append(r.backups, rec)
	return nil
}

func (r *memoryRecovery) RecordConflict(_ context.Context, rec ConflictRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, rec)
	return nil
}

func (r *memoryRecovery) RestoreFromBackup(_ context.Context, backupID string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.backups {
		if b.BackupID == backupID {
			return b.Value, nil
		}
	}
	return nil, fmt.Errorf("backup %s: %w", backupID, storage.ErrNotFound)
}

func boardDefinition() statestore.StateDefinition {
	return statestore.StateDefinition{
		StateID: "board",
		Schema: map[string]statestore.PropertySchema{
			"counter": {Type: statestore.TypeNumber, Required: true, Default: 0},
			"label":   {Type: statestore.TypeString},
			"tags":    {Type: statestore.TypeArray},
			"meta":    {Type: statestore.TypeObject},
		},
	}
}

type fixture struct {
	store     *statestore.Store
	coord     *Coordinator
	broadcast *recordingBroadcaster
	recovery  *memoryRecovery
}

func newFixture(t *testing.T, opts Options, initial map[string]any) *fixture {
	t.Helper()
	store, err := statestore.New(statestore.Options{ClientID: "client_a"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.CreateState(context.Background(), boardDefinition(), initial)
	require.NoError(t, err)

	f := &fixture{store: store, broadcast: &recordingBroadcaster{}, recovery: &memoryRecovery{}}
	opts.Store = store
	opts.Broadcaster = f.broadcast
	opts.Recovery = f.recovery
	f.coord, err = New(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) value(t *testing.T) map[string]any {
	t.Helper()
	v, err := f.store.GetState("", "board")
	require.NoError(t, err)
	return v.(map[string]any)
}

func setUpdate(path []string, value any) *statestore.StateUpdate {
	return &statestore.StateUpdate{
		StateID: "board",
		Type:    statestore.UpdateSet,
		Data:    statestore.UpdateData{Path: path, Value: value},
	}
}

func staleUpdate(path []string, value any) *statestore.StateUpdate {
	u := setUpdate(path, value)
	u.Timestamp = time.Now().Add(-time.Hour)
	return u
}

func TestCleanUpdateAppliesBroadcastsAndBacksUp(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	u := setUpdate([]string{"label"}, "hello")

	res, err := f.coord.ApplyConsistentUpdate(context.Background(), u)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, statestore.StatusApplied, u.Status)
	assert.False(t, u.Timestamp.IsZero())
	assert.Equal(t, "hello", f.value(t)["label"])

	sent := f.broadcast.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, u.UpdateID, sent[0].UpdateID)
	assert.Equal(t, statestore.StatusApplied, sent[0].Status)

	require.Len(t, f.recovery.backups, 1)
	backup := f.recovery.backups[0]
	assert.Equal(t, int64(2), backup.Version)
	assert.Equal(t, "hello", backup.Value.(map[string]any)["label"])
	assert.Empty(t, f.coord.Locks().Held("board"))
}

func TestConcurrentIncrementsAllLand(t *testing.T) {
	f := newFixture(t, Options{}, map[string]any{"counter": 0})
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := &statestore.StateUpdate{StateID: "board", Type: statestore.UpdateIncrement, Data: statestore.UpdateData{Path: []string{"counter"}}}
			if _, err := f.coord.ApplyConsistentUpdate(ctx, u); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment failed: %v", err)
	}

	assert.Equal(t, float64(workers), f.value(t)["counter"])
	info, err := f.store.Info("board")
	require.NoError(t, err)
	assert.Equal(t, int64(workers+1), info.Version)
	assert.Len(t, f.broadcast.sent(), workers)
}

func TestDetectConflicts(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	t.Run("clean", func(t *testing.T) {
		assert.Empty(t, f.coord.DetectConflicts(*setUpdate([]string{"label"}, "x")))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		conflicts := f.coord.DetectConflicts(*staleUpdate([]string{"label"}, "x"))
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictVersionMismatch, conflicts[0].Type)
		assert.Equal(t, ConflictDetected, conflicts[0].Status)
	})

	t.Run("old version", func(t *testing.T) {
		_, err := f.coord.ApplyConsistentUpdate(ctx, setUpdate([]string{"label"}, "v2"))
		require.NoError(t, err)
		u := setUpdate([]string{"label"}, "x")
		u.Data.Version = 1
		conflicts := f.coord.DetectConflicts(*u)
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictVersionMismatch, conflicts[0].Type)
	})

	t.Run("lock held by another operation", func(t *testing.T) {
		lock, err := f.coord.Locks().Acquire(ctx, "board", LockWrite, "someone-else", LockOptions{})
		require.NoError(t, err)
		defer func() { _ = f.coord.Locks().Release(lock.LockID) }()

		u := staleUpdate([]string{"label"}, "x")
		u.UpdateID = "mine"
		conflicts := f.coord.DetectConflicts(*u)
		require.Len(t, conflicts, 2)
		assert.Equal(t, ConflictConcurrentUpdate, conflicts[0].Type)
		assert.Equal(t, ConflictVersionMismatch, conflicts[1].Type)
	})
}

func TestResolutionStrategies(t *testing.T) {
	initial := map[string]any{
		"label": "start",
		"meta":  map[string]any{"a": 1, "b": 1},
		"tags":  []any{"x"},
	}

	t.Run("last write wins", func(t *testing.T) {
		f := newFixture(t, Options{Strategy: StrategyLastWriteWins}, initial)
		u := staleUpdate([]string{"label"}, "incoming")
		res, err := f.coord.ApplyConsistentUpdate(context.Background(), u)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, StrategyLastWriteWins, res.Strategy)
		assert.InDelta(t, 0.9, res.Confidence, 1e-9)
		require.NotNil(t, res.Winner)
		assert.Equal(t, u.UpdateID, res.Winner.UpdateID)
		assert.Equal(t, statestore.StatusApplied, u.Status)
		assert.Equal(t, "incoming", f.value(t)["label"])

		conflicts := f.coord.Conflicts()
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictResolved, conflicts[0].Status)
		require.NotNil(t, conflicts[0].Resolution)
		assert.Len(t, f.recovery.conflicts, 1)
	})

	t.Run("first write wins", func(t *testing.T) {
		f := newFixture(t, Options{Strategy: StrategyFirstWriteWins}, initial)
		u := staleUpdate([]string{"label"}, "incoming")
		res, err := f.coord.ApplyConsistentUpdate(context.Background(), u)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Nil(t, res.Winner)
		require.Len(t, res.Rejected, 1)
		assert.Equal(t, u.UpdateID, res.Rejected[0].UpdateID)
		assert.InDelta(t, 0.7, res.Confidence, 1e-9)
		assert.Equal(t, statestore.StatusFailed, u.Status)
		assert.Equal(t, "start", f.value(t)["label"])
		assert.Empty(t, f.broadcast.sent())
	})

	t.Run("merge", func(t *testing.T) {
		f := newFixture(t, Options{Strategy: StrategyMerge}, initial)
		ctx := context.Background()

		res, err := f.coord.ApplyConsistentUpdate(ctx, staleUpdate([]string{"meta"}, map[string]any{"b": 2, "c": 3}))
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.InDelta(t, 0.6, res.Confidence, 1e-9)
		_, err = f.coord.ApplyConsistentUpdate(ctx, staleUpdate([]string{"tags"}, []any{"y", "x"}))
		require.NoError(t, err)

		value := f.value(t)
		assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2), "c": float64(3)}, value["meta"])
		assert.Equal(t, []any{"x", "y"}, value["tags"])
	})

	t.Run("manual", func(t *testing.T) {
		f := newFixture(t, Options{Strategy: StrategyManual}, initial)
		u := staleUpdate([]string{"label"}, "incoming")
		res, err := f.coord.ApplyConsistentUpdate(context.Background(), u)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrConflict)
		assert.ErrorIs(t, err, ErrManualResolution)
		var cerr *ConflictError
		require.True(t, errors.As(err, &cerr))
		assert.Len(t, cerr.Conflicts, 1)
		assert.Equal(t, "start", f.value(t)["label"])
		assert.Equal(t, ConflictFailed, f.coord.Conflicts()[0].Status)
	})
}

func TestResolveConflictsIsDeterministic(t *testing.T) {
	f := newFixture(t, Options{Strategy: StrategyMerge}, map[string]any{"meta": map[string]any{"a": 1}})
	u := *staleUpdate([]string{"meta"}, map[string]any{"b": 2})
	conflicts := f.coord.DetectConflicts(u)

	first, err := f.coord.ResolveConflicts(context.Background(), conflicts, u)
	require.NoError(t, err)
	second, err := f.coord.ResolveConflicts(context.Background(), conflicts, u)
	require.NoError(t, err)
	assert.Equal(t, first.Winner.Data.Value, second.Winner.Data.Value)
	assert.Equal(t, first.Confidence, second.Confidence)
}

func TestMergeValues(t *testing.T) {
	tests := []struct {
		name     string
		current  any
		incoming any
		want     any
	}{
		{"scalar", "a", "b", "b"},
		{"object fields", map[string]any{"a": 1.0, "n": map[string]any{"x": 1.0}}, map[string]any{"n": map[string]any{"y": 2.0}}, map[string]any{"a": 1.0, "n": map[string]any{"x": 1.0, "y": 2.0}}},
		{"array union", []any{"a", "b"}, []any{"b", "c"}, []any{"a", "b", "c"}},
		{"type change", []any{"a"}, map[string]any{"k": "v"}, map[string]any{"k": "v"}},
		{"missing current", nil, []any{1.0}, []any{1.0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mergeValues(tc.current, tc.incoming))
		})
	}
}

func TestSetStrategy(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	assert.Equal(t, StrategyLastWriteWins, f.coord.Strategy())
	require.NoError(t, f.coord.SetStrategy(StrategyFirstWriteWins))
	assert.Equal(t, StrategyFirstWriteWins, f.coord.Strategy())
	assert.ErrorIs(t, f.coord.SetStrategy("coin_flip"), ErrInvalidInput)
}

func TestApplyRejectsOtherTenantAndFinalizedUpdates(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	u := setUpdate([]string{"label"}, "x")
	u.ClientID = "client_b"
	_, err := f.coord.ApplyConsistentUpdate(ctx, u)
	assert.ErrorIs(t, err, statestore.ErrIsolationViolation)

	u = setUpdate([]string{"label"}, "x")
	_, err = f.coord.ApplyConsistentUpdate(ctx, u)
	require.NoError(t, err)
	_, err = f.coord.ApplyConsistentUpdate(ctx, u)
	assert.ErrorIs(t, err, statestore.ErrUpdateFinalized)
}

func TestLockTimeoutIsRecordedAsConflict(t *testing.T) {
	f := newFixture(t, Options{LockTimeout: 30 * time.Millisecond}, nil)
	ctx := context.Background()
	lock, err := f.coord.Locks().Acquire(ctx, "board", LockExclusive, "maintenance", LockOptions{})
	require.NoError(t, err)
	defer func() { _ = f.coord.Locks().Release(lock.LockID) }()

	_, err = f.coord.ApplyConsistentUpdate(ctx, setUpdate([]string{"label"}, "x"))
	assert.ErrorIs(t, err, ErrLockTimeout)
	conflicts := f.coord.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictLockTimeout, conflicts[0].Type)
	assert.Equal(t, ConflictFailed, conflicts[0].Status)
}

func TestInboundUpdateIsAppliedWithoutRebroadcast(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	remote := statestore.StateUpdate{
		UpdateID:  "remote-1",
		StateID:   "board",
		ClientID:  "client_a",
		Type:      statestore.UpdateSet,
		Data:      statestore.UpdateData{Path: []string{"label"}, Value: "from peer"},
		Timestamp: time.Now().Add(time.Second),
		Status:    statestore.StatusApplied,
	}
	require.NoError(t, f.coord.HandleStateUpdate(ctx, remote))
	assert.Equal(t, "from peer", f.value(t)["label"])
	assert.Empty(t, f.broadcast.sent())

	value, err := f.coord.HandleStateRequest(ctx, "board")
	require.NoError(t, err)
	assert.Equal(t, "from peer", value.(map[string]any)["label"])

	remote.ClientID = "client_b"
	assert.ErrorIs(t, f.coord.HandleStateUpdate(ctx, remote), statestore.ErrIsolationViolation)
}

func TestInboundUpdateRejectedByFirstWriteWinsFails(t *testing.T) {
	f := newFixture(t, Options{Strategy: StrategyFirstWriteWins}, map[string]any{"counter": 0, "label": "start"})

	remote := staleUpdate([]string{"label"}, "peer")
	err := f.coord.HandleStateUpdate(context.Background(), *remote)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "board", cerr.StateID)
	assert.Equal(t, "start", f.value(t)["label"])
	assert.Empty(t, f.broadcast.sent())
}

func TestBroadcastFailureDoesNotFailCommit(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.broadcast.err = errors.New("hub unreachable")
	_, err := f.coord.ApplyConsistentUpdate(context.Background(), setUpdate([]string{"label"}, "kept"))
	require.NoError(t, err)
	assert.Equal(t, "kept", f.value(t)["label"])
}

func TestRecoverRestoresBackedUpValue(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	_, err := f.coord.ApplyConsistentUpdate(ctx, setUpdate([]string{"label"}, "good"))
	require.NoError(t, err)
	backupID := f.recovery.backups[0].BackupID
	_, err = f.coord.ApplyConsistentUpdate(ctx, setUpdate([]string{"label"}, "bad"))
	require.NoError(t, err)

	require.NoError(t, f.coord.Recover(ctx, "board", backupID))
	assert.Equal(t, "good", f.value(t)["label"])

	assert.Error(t, f.coord.Recover(ctx, "board", "missing"))

	bare, err := New(Options{Store: f.store})
	require.NoError(t, err)
	assert.ErrorIs(t, bare.Recover(ctx, "board", backupID), ErrRecoveryUnavailable)
}

// tamperedStore loads a board whose stored checksum and data disagree with
// each other and with the schema.
func tamperedStore(t *testing.T) *statestore.Store {
	t.Helper()
	backend := storage.NewInMemoryBackend()
	def := boardDefinition()
	def.ClientID = "client_a"
	def.IsActive = true
	def.UpdatedAt = time.Now().Add(-time.Minute)
	record, err := json.Marshal(map[string]any{
		"definition": def,
		"data":       map[string]any{"counter": "not a number"},
		"version":    3,
		"checksum":   "0000000000000000",
		"updatedAt":  def.UpdatedAt,
	})
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "client_a", "board", record))

	store, err := statestore.New(statestore.Options{ClientID: "client_a", Backend: backend})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	n, err := store.LoadStates(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return store
}

func TestValidateIntegrity(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, Options{}, map[string]any{"meta": map[string]any{"a": 1}})
		report := f.coord.ValidateIntegrity("board")
		assert.True(t, report.Valid)
		require.Len(t, report.Checks, 4)
	})

	t.Run("property ceiling", func(t *testing.T) {
		f := newFixture(t, Options{MaxProperties: 2}, map[string]any{"meta": map[string]any{"a": 1, "b": 2}})
		report := f.coord.ValidateIntegrity("board")
		assert.False(t, report.Valid)
		assert.Contains(t, report.failures(), checkPropertyCount)
	})

	t.Run("tampered", func(t *testing.T) {
		store := tamperedStore(t)
		coord, err := New(Options{Store: store, ValidateIntegrity: true})
		require.NoError(t, err)

		report := coord.ValidateIntegrity("board")
		assert.False(t, report.Valid)
		failures := report.failures()
		assert.Contains(t, failures, checkChecksum)
		assert.Contains(t, failures, checkSchema)

		_, err = coord.ApplyConsistentUpdate(context.Background(), setUpdate([]string{"counter"}, 1))
		assert.ErrorIs(t, err, ErrIntegrity)
		conflicts := coord.Conflicts()
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictDataCorruption, conflicts[0].Type)
	})

	t.Run("missing state", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		report := f.coord.ValidateIntegrity("nope")
		assert.False(t, report.Valid)
	})
}

func TestAuditClassifiesFindings(t *testing.T) {
	store := tamperedStore(t)
	reg := prometheus.NewRegistry()
	coord, err := New(Options{Store: store, Metrics: NewMetrics(reg)})
	require.NoError(t, err)

	report := coord.Audit(context.Background())
	assert.Equal(t, 1, report.StatesChecked)
	assert.False(t, report.Critical())

	severities := map[string]Severity{}
	for _, f := range report.Findings {
		severities[f.Check] = f.Severity
	}
	assert.Equal(t, map[string]Severity{
		checkChecksum: SeverityHigh,
		checkSchema:   SeverityMedium,
	}, severities)
	assert.Equal(t, 1.0, testutil.ToFloat64(coord.metrics.findings.WithLabelValues("client_a", "high")))
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, Options{SweepInterval: 5 * time.Millisecond, AuditInterval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
