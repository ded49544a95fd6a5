package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaystate/internal/coordinator"
	"github.com/agentworkforce/relaystate/internal/presence"
	"github.com/agentworkforce/relaystate/internal/recovery"
	"github.com/agentworkforce/relaystate/internal/statestore"
	"github.com/agentworkforce/relaystate/internal/storage"
	"github.com/agentworkforce/relaystate/internal/transport"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrOffline      = errors.New("runtime has no transport")
	ErrClosed       = errors.New("runtime closed")
)

// Options wires one tenant. Zero values in the nested component options
// keep each component's own defaults. ClientID, storage and metrics are
// filled in by the runtime.
type Options struct {
	ClientID string
	// Backend persists states and the recovery journal. Nil keeps the
	// tenant in memory without recovery. The runtime does not close it.
	Backend storage.Backend

	Store       statestore.Options
	Coordinator coordinator.Options
	// Transport connects the tenant to a hub. Nil runs offline.
	Transport *transport.Options
	OnStream  func(transport.SyncMessage)

	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Runtime holds one instance of every component for a single client and
// wires them together. Nothing is shared between runtimes except the
// storage backend, which namespaces records by client id.
type Runtime struct {
	clientID    string
	store       *statestore.Store
	coordinator *coordinator.Coordinator
	transport   *transport.Transport
	presence    *presence.Tracker
	journal     *recovery.Journal
	onStream    func(transport.SyncMessage)
	logger      *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds the components and reloads persisted states. Call Start to
// begin background work and connect to the hub.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	storeOpts := opts.Store
	storeOpts.ClientID = clientID
	storeOpts.Backend = opts.Backend
	if storeOpts.Recorder == nil {
		storeOpts.Recorder = statestore.NewMetrics(opts.Registerer, clientID)
	}
	if storeOpts.Logger == nil {
		storeOpts.Logger = logger
	}
	store, err := statestore.New(storeOpts)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		clientID: clientID,
		store:    store,
		onStream: opts.OnStream,
		logger:   logger.With("component", "tenant", "client_id", clientID),
	}

	if opts.Backend != nil {
		n, err := store.LoadStates(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load states for %s: %w", clientID, err)
		}
		if n > 0 {
			r.logger.Info("states reloaded", "count", n)
		}
		r.journal, err = recovery.NewJournal(clientID, opts.Backend, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	r.presence = presence.NewTracker(presence.Options{ClientID: clientID, Logger: logger})

	if opts.Transport != nil {
		trOpts := *opts.Transport
		trOpts.ClientID = clientID
		trOpts.OnEphemeral = r.handleEphemeral
		if trOpts.Metrics == nil {
			trOpts.Metrics = transport.NewMetrics(opts.Registerer)
		}
		if trOpts.Logger == nil {
			trOpts.Logger = logger
		}
		r.transport, err = transport.New(trOpts)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	coordOpts := opts.Coordinator
	coordOpts.Store = store
	// A typed nil would make the interfaces non-nil.
	if r.transport != nil {
		coordOpts.Broadcaster = r.transport
	}
	if r.journal != nil {
		coordOpts.Recovery = r.journal
	}
	if coordOpts.Metrics == nil {
		coordOpts.Metrics = coordinator.NewMetrics(opts.Registerer)
	}
	if coordOpts.Logger == nil {
		coordOpts.Logger = logger
	}
	r.coordinator, err = coordinator.New(coordOpts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if r.transport != nil {
		r.transport.SetHandler(r.coordinator)
	}
	return r, nil
}

func (r *Runtime) ClientID() string                      { return r.clientID }
func (r *Runtime) Store() *statestore.Store              { return r.store }
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coordinator }
func (r *Runtime) Presence() *presence.Tracker           { return r.presence }

func (r *Runtime) Transport() *transport.Transport { return r.transport }

func (r *Runtime) Journal() *recovery.Journal { return r.journal }

// Start launches lock sweeping and auditing and connects to the hub. A
// failed first dial is logged; the transport keeps retrying on its own.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	r.cancel = cancel
	r.group = g
	r.mu.Unlock()

	g.Go(func() error {
		return r.coordinator.Run(gctx)
	})
	if r.transport == nil {
		return nil
	}
	if err := r.transport.Connect(ctx); err != nil {
		r.logger.Warn("initial connect failed, retrying in background", "error", err)
	}
	if _, err := r.presence.Join(r.transport.PeerID(), nil); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) Update(ctx context.Context, u *statestore.StateUpdate) (*coordinator.ConflictResolution, error) {
	return r.coordinator.ApplyConsistentUpdate(ctx, u)
}

func (r *Runtime) Attach(ctx context.Context, stateID string) error {
	return r.publishPresence(ctx, presence.Event{Type: presence.EventAttach, StateID: stateID})
}

func (r *Runtime) Detach(ctx context.Context, stateID string) error {
	return r.publishPresence(ctx, presence.Event{Type: presence.EventDetach, StateID: stateID})
}

func (r *Runtime) MoveCursor(ctx context.Context, cursor presence.Cursor) error {
	c := cursor
	return r.publishPresence(ctx, presence.Event{Type: presence.EventCursor, StateID: cursor.StateID, Cursor: &c})
}

func (r *Runtime) publishPresence(ctx context.Context, ev presence.Event) error {
	if r.transport == nil {
		return ErrOffline
	}
	ev.PeerID = r.transport.PeerID()
	if err := r.presence.ApplyEvent(ev); err != nil {
		return err
	}
	return r.transport.SendEphemeral(ctx, transport.ChannelPresence, ev.StateID, ev)
}

func (r *Runtime) handleEphemeral(msg transport.SyncMessage) {
	switch msg.Channel {
	case transport.ChannelPresence:
		var ev presence.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			r.logger.Debug("malformed presence event", "from", msg.PeerID, "error", err)
			return
		}
		if ev.PeerID == "" {
			ev.PeerID = msg.PeerID
		}
		if err := r.presence.ApplyEvent(ev); err != nil {
			r.logger.Debug("presence event ignored", "from", msg.PeerID, "error", err)
		}
	case transport.ChannelStream:
		if r.onStream != nil {
			r.onStream(msg)
		}
	default:
		r.logger.Debug("unknown ephemeral channel", "channel", msg.Channel, "from", msg.PeerID)
	}
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, g := r.cancel, r.group
	r.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if r.transport != nil {
		if err := r.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
