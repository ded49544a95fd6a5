package statestore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaystate/internal/storage"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.ClientID == "" {
		opts.ClientID = "client_a"
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func counterDefinition(stateID string, batching bool) StateDefinition {
	return StateDefinition{
		StateID: stateID,
		Schema: map[string]PropertySchema{
			"counter": {Type: TypeNumber, Required: true, Default: 0},
			"label":   {Type: TypeString, Default: "untitled"},
			"tags":    {Type: TypeArray},
			"meta":    {Type: TypeObject},
		},
		Strategy: UpdateStrategy{Batching: batching},
	}
}

func pendingUpdate(stateID string, typ UpdateType, path []string, value any) *StateUpdate {
	return &StateUpdate{
		StateID: stateID,
		Type:    typ,
		Data:    UpdateData{Path: path, Value: value},
	}
}

func TestCreateStateThenGetStateReturnsDefaultedInitialData(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	id, err := s.CreateState(ctx, counterDefinition("board", false), map[string]any{"tags": []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "board", id)

	value, err := s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"counter": float64(0),
		"label":   "untitled",
		"tags":    []any{"a"},
	}, value)

	def, err := s.Definition("board")
	require.NoError(t, err)
	assert.True(t, def.IsActive)
	assert.Equal(t, "client_a", def.ClientID)
	assert.Equal(t, 0, s.SubscriberCount("board"))
}

func TestCreateStateRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("cross tenant", func(t *testing.T) {
		s := newTestStore(t, Options{})
		def := counterDefinition("board", false)
		def.ClientID = "client_b"
		_, err := s.CreateState(ctx, def, nil)
		assert.ErrorIs(t, err, ErrIsolationViolation)
	})

	t.Run("state limit", func(t *testing.T) {
		s := newTestStore(t, Options{MaxStates: 1})
		_, err := s.CreateState(ctx, counterDefinition("one", false), nil)
		require.NoError(t, err)
		_, err = s.CreateState(ctx, counterDefinition("two", false), nil)
		assert.ErrorIs(t, err, ErrStateLimit)
	})

	t.Run("duplicate", func(t *testing.T) {
		s := newTestStore(t, Options{})
		_, err := s.CreateState(ctx, counterDefinition("one", false), nil)
		require.NoError(t, err)
		_, err = s.CreateState(ctx, counterDefinition("one", false), nil)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("validation lists field errors", func(t *testing.T) {
		s := newTestStore(t, Options{})
		minLen := 3
		def := StateDefinition{
			StateID: "profile",
			Schema: map[string]PropertySchema{
				"name": {Type: TypeString, Required: true, Constraints: &Constraints{MinLength: &minLen}},
				"age":  {Type: TypeInteger, Required: true},
			},
		}
		_, err := s.CreateState(ctx, def, map[string]any{"name": "al"})
		require.ErrorIs(t, err, ErrValidation)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		fields := map[string]bool{}
		for _, f := range verr.Fields {
			fields[f.Field] = true
		}
		assert.True(t, fields["name"], "expected a name error in %+v", verr.Fields)
		assert.True(t, fields["age"], "expected an age error in %+v", verr.Fields)

		_, err = s.GetState("", "profile")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("non object initial data", func(t *testing.T) {
		s := newTestStore(t, Options{})
		_, err := s.CreateState(ctx, counterDefinition("one", false), []any{1})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestUpdateTypes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		update *StateUpdate
		want   map[string]any
	}{
		{
			name:   "set nested path creates objects",
			update: pendingUpdate("board", UpdateSet, []string{"meta", "owner"}, "ada"),
			want:   map[string]any{"counter": float64(1), "label": "x", "tags": []any{"a", "b", "a"}, "meta": map[string]any{"owner": "ada"}},
		},
		{
			name:   "merge objects shallowly",
			update: pendingUpdate("board", UpdateMerge, nil, map[string]any{"label": "y", "counter": 7}),
			want:   map[string]any{"counter": float64(7), "label": "y", "tags": []any{"a", "b", "a"}},
		},
		{
			name:   "merge non object falls back to set",
			update: pendingUpdate("board", UpdateMerge, []string{"label"}, "z"),
			want:   map[string]any{"counter": float64(1), "label": "z", "tags": []any{"a", "b", "a"}},
		},
		{
			name:   "delete removes path",
			update: pendingUpdate("board", UpdateDelete, []string{"tags"}, nil),
			want:   map[string]any{"counter": float64(1), "label": "x"},
		},
		{
			name:   "increment defaults to one",
			update: pendingUpdate("board", UpdateIncrement, []string{"counter"}, nil),
			want:   map[string]any{"counter": float64(2), "label": "x", "tags": []any{"a", "b", "a"}},
		},
		{
			name:   "increment non numeric is a no-op",
			update: pendingUpdate("board", UpdateIncrement, []string{"label"}, 3),
			want:   map[string]any{"counter": float64(1), "label": "x", "tags": []any{"a", "b", "a"}},
		},
		{
			name:   "append to array",
			update: pendingUpdate("board", UpdateAppend, []string{"tags"}, "c"),
			want:   map[string]any{"counter": float64(1), "label": "x", "tags": []any{"a", "b", "a", "c"}},
		},
		{
			name:   "append to non array is a no-op",
			update: pendingUpdate("board", UpdateAppend, []string{"label"}, "c"),
			want:   map[string]any{"counter": float64(1), "label": "x", "tags": []any{"a", "b", "a"}},
		},
		{
			name:   "remove drops every equal element",
			update: pendingUpdate("board", UpdateRemove, []string{"tags"}, "a"),
			want:   map[string]any{"counter": float64(1), "label": "x", "tags": []any{"b"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t, Options{})
			_, err := s.CreateState(ctx, counterDefinition("board", false), map[string]any{
				"counter": 1, "label": "x", "tags": []any{"a", "b", "a"},
			})
			require.NoError(t, err)

			require.NoError(t, s.UpdateState(ctx, tc.update))
			assert.Equal(t, StatusApplied, tc.update.Status)
			require.NotNil(t, tc.update.Validation)
			assert.True(t, tc.update.Validation.Valid)

			value, err := s.GetState("client_a", "board")
			require.NoError(t, err)
			assert.Equal(t, tc.want, value)
		})
	}
}

func TestFailedValidationLeavesValueUntouched(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), map[string]any{"counter": 1})
	require.NoError(t, err)
	before, err := s.Info("board")
	require.NoError(t, err)

	u := pendingUpdate("board", UpdateSet, []string{"counter"}, "not a number")
	err = s.UpdateState(ctx, u)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StatusFailed, u.Status)
	require.NotNil(t, u.Validation)
	assert.False(t, u.Validation.Valid)
	assert.NotEmpty(t, u.Validation.Errors)

	value, err := s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, float64(1), value.(map[string]any)["counter"])
	after, err := s.Info("board")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Checksum, after.Checksum)
}

func TestUpdateStateRejections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), nil)
	require.NoError(t, err)

	u := pendingUpdate("board", UpdateSet, []string{"counter"}, 2)
	u.ClientID = "client_b"
	assert.ErrorIs(t, s.UpdateState(ctx, u), ErrIsolationViolation)

	missing := pendingUpdate("nope", UpdateSet, nil, map[string]any{})
	assert.ErrorIs(t, s.UpdateState(ctx, missing), ErrNotFound)
	assert.Equal(t, StatusFailed, missing.Status)

	bogus := pendingUpdate("board", UpdateType("explode"), nil, nil)
	assert.ErrorIs(t, s.UpdateState(ctx, bogus), ErrInvalidInput)

	_, err = s.GetState("client_b", "board")
	assert.ErrorIs(t, err, ErrIsolationViolation)
}

func TestApplyingFinalizedUpdateTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), nil)
	require.NoError(t, err)

	u := pendingUpdate("board", UpdateIncrement, []string{"counter"}, 5)
	require.NoError(t, s.UpdateState(ctx, u))
	require.ErrorIs(t, s.UpdateState(ctx, u), ErrUpdateFinalized)
	require.ErrorIs(t, s.Apply(ctx, u), ErrUpdateFinalized)

	value, err := s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, float64(5), value.(map[string]any)["counter"])
	info, err := s.Info("board")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)
}

func TestBatchedDisjointSetsFoldInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	def := StateDefinition{StateID: "grid", Strategy: UpdateStrategy{Batching: true}}
	_, err := s.CreateState(ctx, def, nil)
	require.NoError(t, err)

	var seen []string
	_, err = s.Subscribe("grid", func(ev Event) {
		seen = append(seen, ev.Update.Data.Path[0])
	}, SubscribeOptions{})
	require.NoError(t, err)

	want := map[string]any{}
	updates := make([]*StateUpdate, 0, 50)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("cell_%02d", i)
		want[key] = float64(i)
		u := pendingUpdate("grid", UpdateSet, []string{key}, i)
		updates = append(updates, u)
		require.NoError(t, s.UpdateState(ctx, u))
	}
	require.NoError(t, s.Flush(ctx))

	value, err := s.GetState("", "grid")
	require.NoError(t, err)
	assert.Equal(t, want, value)
	require.Len(t, seen, 50)
	for i, key := range seen {
		assert.Equal(t, fmt.Sprintf("cell_%02d", i), key)
	}
	for _, u := range updates {
		assert.Equal(t, StatusApplied, u.Status)
	}
	assert.Equal(t, 0, s.QueueDepth())
}

func TestApplyWaitsForBatchedOutcome(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", true), nil)
	require.NoError(t, err)

	u := pendingUpdate("board", UpdateSet, []string{"counter"}, "bad")
	err = s.Apply(ctx, u)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StatusFailed, u.Status)

	ok := pendingUpdate("board", UpdateIncrement, []string{"counter"}, 2)
	require.NoError(t, s.Apply(ctx, ok))
	value, err := s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, float64(2), value.(map[string]any)["counter"])
}

func TestBatchQueueRejectsPastLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{MaxQueuedUpdates: 2})
	_, err := s.CreateState(ctx, counterDefinition("board", true), nil)
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	_, err = s.Subscribe("board", func(Event) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}, SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1)))
	<-entered
	// The first update is still counted until its subscribers return.
	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1)))
	err = s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1))
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, s.Flush(ctx))
	value, err := s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, float64(2), value.(map[string]any)["counter"])
}

func TestSubscribersFireByPriorityAndSurvivePanics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), nil)
	require.NoError(t, err)

	var order []string
	record := func(name string) Callback {
		return func(Event) { order = append(order, name) }
	}
	_, err = s.Subscribe("board", record("low"), SubscribeOptions{Priority: 1})
	require.NoError(t, err)
	_, err = s.Subscribe("board", func(Event) {
		order = append(order, "panics")
		panic("boom")
	}, SubscribeOptions{Priority: 5})
	require.NoError(t, err)
	_, err = s.Subscribe("board", record("high"), SubscribeOptions{Priority: 10})
	require.NoError(t, err)
	_, err = s.Subscribe("board", record("low-second"), SubscribeOptions{Priority: 1})
	require.NoError(t, err)
	filtered, err := s.Subscribe("board", record("filtered"), SubscribeOptions{
		Priority: 3,
		Filter:   func(ev Event) bool { return ev.Update.Type == UpdateDelete },
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1)))
	assert.Equal(t, []string{"high", "panics", "low", "low-second"}, order)

	assert.True(t, s.Unsubscribe(filtered))
	assert.False(t, s.Unsubscribe(filtered))
	assert.Equal(t, 4, s.SubscriberCount("board"))
}

func TestSubscribersAddedBetweenCommitsKeepDeliveryOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), nil)
	require.NoError(t, err)

	type delivery struct{ priority, seq int }
	var got []delivery
	subscribe := func(priority, seq int) {
		_, err := s.Subscribe("board", func(Event) {
			got = append(got, delivery{priority, seq})
		}, SubscribeOptions{Priority: priority})
		require.NoError(t, err)
	}

	subscribe(1, 0)
	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1)))
	assert.Equal(t, []delivery{{1, 0}}, got)

	for i := 1; i <= 500; i++ {
		subscribe(i%7, i)
	}
	got = nil
	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1)))
	require.Len(t, got, 501)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if prev.priority == cur.priority {
			assert.Less(t, prev.seq, cur.seq)
		} else {
			assert.Greater(t, prev.priority, cur.priority)
		}
	}
}

func TestSubscribersReceiveIndependentCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), map[string]any{"tags": []any{"a"}})
	require.NoError(t, err)

	var second any
	_, err = s.Subscribe("board", func(ev Event) {
		ev.Value.(map[string]any)["tags"].([]any)[0] = "mutated"
	}, SubscribeOptions{Priority: 2})
	require.NoError(t, err)
	_, err = s.Subscribe("board", func(ev Event) {
		second = ev.Value
	}, SubscribeOptions{Priority: 1})
	require.NoError(t, err)

	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1)))
	assert.Equal(t, []any{"a"}, second.(map[string]any)["tags"])

	value, err := s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, value.(map[string]any)["tags"])
}

func TestGetStateReturnsDeepCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), map[string]any{"meta": map[string]any{"k": "v"}})
	require.NoError(t, err)

	value, err := s.GetState("", "board")
	require.NoError(t, err)
	value.(map[string]any)["meta"].(map[string]any)["k"] = "changed"
	value.(map[string]any)["counter"] = 99

	again, err := s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, "v", again.(map[string]any)["meta"].(map[string]any)["k"])
	assert.Equal(t, float64(0), again.(map[string]any)["counter"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), map[string]any{"counter": 3, "tags": []any{"x"}})
	require.NoError(t, err)

	snap, err := s.CreateSnapshot("board")
	require.NoError(t, err)
	original, err := s.GetState("", "board")
	require.NoError(t, err)

	require.NoError(t, s.RestoreSnapshot(ctx, snap))
	restored, err := s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, original, restored)
	sum, err := s.Checksum("board")
	require.NoError(t, err)
	assert.Equal(t, snap.Checksum, sum)

	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateSet, []string{"counter"}, 100)))
	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateAppend, []string{"tags"}, "y")))
	require.NoError(t, s.RestoreSnapshot(ctx, snap))
	restored, err = s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, snap.Data, restored)
}

func TestRestoreSnapshotRejectsTamperingAndOtherTenants(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	_, err := s.CreateState(ctx, counterDefinition("board", false), nil)
	require.NoError(t, err)
	snap, err := s.CreateSnapshot("board")
	require.NoError(t, err)

	tampered := snap
	tampered.Data = map[string]any{"counter": 42, "label": "untitled"}
	assert.ErrorIs(t, s.RestoreSnapshot(ctx, tampered), ErrChecksumMismatch)

	foreign := snap
	foreign.ClientID = "client_b"
	assert.ErrorIs(t, s.RestoreSnapshot(ctx, foreign), ErrIsolationViolation)
}

func TestLoadStatesRestoresPersistedValues(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewInMemoryBackend()
	first := newTestStore(t, Options{Backend: backend})
	_, err := first.CreateState(ctx, counterDefinition("board", true), map[string]any{"counter": 1})
	require.NoError(t, err)
	require.NoError(t, first.Apply(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 4)))
	info, err := first.Info("board")
	require.NoError(t, err)

	second := newTestStore(t, Options{Backend: backend})
	n, err := second.LoadStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	value, err := second.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, float64(5), value.(map[string]any)["counter"])
	loaded, err := second.Info("board")
	require.NoError(t, err)
	assert.Equal(t, info.Version, loaded.Version)
	assert.Equal(t, info.Checksum, loaded.Checksum)
	assert.True(t, loaded.Batching)

	other := newTestStore(t, Options{ClientID: "client_b", Backend: backend})
	n, err = other.LoadStates(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeactivateState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{MaxStates: 1})
	_, err := s.CreateState(ctx, counterDefinition("board", false), nil)
	require.NoError(t, err)
	require.NoError(t, s.DeactivateState(ctx, "board"))

	_, err = s.GetState("", "board")
	assert.ErrorIs(t, err, ErrInactive)
	assert.ErrorIs(t, s.UpdateState(ctx, pendingUpdate("board", UpdateSet, []string{"counter"}, 1)), ErrInactive)

	_, err = s.CreateState(ctx, counterDefinition("board", false), map[string]any{"counter": 9})
	require.NoError(t, err)
	defs := s.ListStates()
	require.Len(t, defs, 1)
	assert.True(t, defs[0].IsActive)
}

type recordingLatency struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingLatency) ObserveLatency(op string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func TestLatencySamplesAreRecorded(t *testing.T) {
	ctx := context.Background()
	rec := &recordingLatency{}
	s := newTestStore(t, Options{Recorder: rec})
	_, err := s.CreateState(ctx, counterDefinition("board", false), nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1)))
	_, err = s.GetState("", "board")
	require.NoError(t, err)
	assert.Equal(t, []string{"create_state", "update_state", "get_state"}, rec.ops)
}

func TestPrometheusMetricsCountUpdates(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "client_a")
	s := newTestStore(t, Options{Recorder: m})
	_, err := s.CreateState(ctx, counterDefinition("board", false), nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, pendingUpdate("board", UpdateIncrement, []string{"counter"}, 1)))
	require.Error(t, s.UpdateState(ctx, pendingUpdate("board", UpdateSet, []string{"counter"}, "x")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues("client_a", "increment", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues("client_a", "set", "failed")))
}

func TestCheckSerializable(t *testing.T) {
	assert.NoError(t, CheckSerializable(map[string]any{"a": []any{1.0, "x", nil}}))

	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	assert.ErrorContains(t, CheckSerializable(cyclic), "circular")

	assert.Error(t, CheckSerializable(map[string]any{"f": func() {}}))
}
