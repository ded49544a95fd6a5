package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaystate/internal/statestore"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// Handler answers inbound peer traffic. The consistency coordinator
// implements it.
type Handler interface {
	HandleStateUpdate(ctx context.Context, update statestore.StateUpdate) error
	HandleStateRequest(ctx context.Context, stateID string) (any, error)
}

type Options struct {
	URL      string
	ClientID string
	PeerID   string
	Token    string
	Header   http.Header

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	RequestTimeout       time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadLimit            int64
	Compression          bool

	Outbox         Outbox
	OutboxCapacity int
	OverflowPolicy OverflowPolicy

	Handler            Handler
	OnConnectionFailed func(error)
	OnStateChange      func(State)
	OnEphemeral        func(SyncMessage)

	HTTPClient *http.Client
	Metrics    *Metrics
	Logger     *slog.Logger
}

type ConnectionMetrics struct {
	MessagesSent     uint64        `json:"messagesSent"`
	MessagesReceived uint64        `json:"messagesReceived"`
	BytesSent        uint64        `json:"bytesSent"`
	BytesReceived    uint64        `json:"bytesReceived"`
	AverageLatency   time.Duration `json:"averageLatency"`
	ReconnectCount   uint64        `json:"reconnectCount"`
	Healthy          bool          `json:"healthy"`
	LastHeartbeat    time.Time     `json:"lastHeartbeat"`
	QueueDepth       int           `json:"queueDepth"`
}

type pendingResult struct {
	data json.RawMessage
	err  error
}

// Transport keeps one reconnecting websocket to the hub for a tenant.
type Transport struct {
	url               string
	clientID          string
	peerID            string
	header            http.Header
	httpClient        *http.Client
	reconnectInterval time.Duration
	maxAttempts       int
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	requestTimeout    time.Duration
	dialTimeout       time.Duration
	writeTimeout      time.Duration
	readLimit         int64
	compression       websocket.CompressionMode
	outbox            Outbox
	handler           Handler
	onFailed          func(error)
	onStateChange     func(State)
	onEphemeral       func(SyncMessage)
	metrics           *Metrics
	logger            *slog.Logger

	// sendMu orders writes: the outbox flush on connect holds it, so queued
	// messages always go out before new ones.
	sendMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	generation     uint64
	attempts       int
	reconnectTimer *time.Timer
	userClosed     bool
	closed         bool
	lastErr        error
	pending        map[string]chan pendingResult
	stats          ConnectionMetrics

	streamMu sync.Mutex
	streams  map[string]*stream

	wg sync.WaitGroup
}

func New(opts Options) (*Transport, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if strings.TrimSpace(opts.ClientID) == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	reconnectInterval := opts.ReconnectInterval
	if reconnectInterval <= 0 {
		reconnectInterval = time.Second
	}
	maxAttempts := opts.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	heartbeatTimeout := opts.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 2 * heartbeatInterval
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	outbox := opts.Outbox
	if outbox == nil {
		outbox = NewMemoryOutbox(opts.OutboxCapacity, opts.OverflowPolicy)
	}
	peerID := strings.TrimSpace(opts.PeerID)
	if peerID == "" {
		peerID = "peer_" + uuid.NewString()[:8]
	}
	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	header.Set(PeerHeader, peerID)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compression := websocket.CompressionDisabled
	if opts.Compression {
		compression = websocket.CompressionContextTakeover
	}
	return &Transport{
		url:               opts.URL,
		clientID:          opts.ClientID,
		peerID:            peerID,
		header:            header,
		httpClient:        opts.HTTPClient,
		reconnectInterval: reconnectInterval,
		maxAttempts:       maxAttempts,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		requestTimeout:    requestTimeout,
		dialTimeout:       dialTimeout,
		writeTimeout:      writeTimeout,
		readLimit:         readLimit,
		compression:       compression,
		outbox:            outbox,
		handler:           opts.Handler,
		onFailed:          opts.OnConnectionFailed,
		onStateChange:     opts.OnStateChange,
		onEphemeral:       opts.OnEphemeral,
		metrics:           opts.Metrics,
		logger:            logger.With("component", "transport", "client_id", opts.ClientID, "peer_id", peerID),
		state:             StateDisconnected,
		pending:           map[string]chan pendingResult{},
		streams:           map[string]*stream{},
	}, nil
}

func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) PeerID() string {
	return t.peerID
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.Healthy
}

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transport) Stats() ConnectionMetrics {
	t.mu.Lock()
	stats := t.stats
	t.mu.Unlock()
	stats.QueueDepth = t.outbox.Depth()
	return stats
}

// Connect opens the connection. It is a no-op while connecting or
// connected. A failed dial schedules a reconnect and returns the error.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.userClosed = false
	t.attempts = 0
	t.lastErr = nil
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()
	t.emitState(StateConnecting)
	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{
		HTTPClient:      t.httpClient,
		HTTPHeader:      t.header,
		CompressionMode: t.compression,
	})
	cancel()
	if err != nil {
		t.logger.Warn("dial failed", "error", err)
		t.connectionLost(0, err, true)
		return err
	}
	conn.SetReadLimit(t.readLimit)

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.mu.Lock()
	if t.userClosed || t.closed {
		t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return ErrClosed
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	t.generation++
	gen := t.generation
	t.conn = conn
	t.connCancel = connCancel
	t.attempts = 0
	t.stats.Healthy = true
	t.stats.LastHeartbeat = time.Now()
	t.setStateLocked(StateConnected)
	t.wg.Add(2)
	t.mu.Unlock()
	t.emitState(StateConnected)
	t.logger.Info("connected", "url", t.url)

	go t.readLoop(connCtx, conn, gen)
	go t.heartbeatLoop(connCtx, gen)

	if err := t.flushOutboxLocked(connCtx, conn); err != nil {
		t.logger.Warn("outbox flush interrupted", "error", err, "remaining", t.outbox.Depth())
	}
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.userClosed = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	conn := t.conn
	cancel := t.connCancel
	t.conn = nil
	t.connCancel = nil
	t.generation++
	t.stats.Healthy = false
	if conn != nil {
		t.setStateLocked(StateClosing)
	}
	t.mu.Unlock()

	var err error
	if conn != nil {
		t.emitState(StateClosing)
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	}
	if cancel != nil {
		cancel()
	}
	t.mu.Lock()
	changed := t.state != StateDisconnected
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()
	if changed {
		t.emitState(StateDisconnected)
	}
	t.failPending(fmt.Errorf("%w: disconnected", ErrNotConnected))
	return err
}

func (t *Transport) Close() error {
	err := t.Disconnect()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.stopStreams()
	t.wg.Wait()
	if cerr := t.outbox.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// connectionLost handles a failed dial (gen 0) or a broken connection.
func (t *Transport) connectionLost(gen uint64, cause error, dialing bool) {
	t.mu.Lock()
	if !dialing && gen != t.generation {
		t.mu.Unlock()
		return
	}
	if !dialing {
		t.conn = nil
		if t.connCancel != nil {
			t.connCancel()
			t.connCancel = nil
		}
	}
	t.stats.Healthy = false
	t.setStateLocked(StateDisconnected)
	if t.userClosed || t.closed {
		t.mu.Unlock()
		t.emitState(StateDisconnected)
		return
	}
	if !dialing && websocket.CloseStatus(cause) == websocket.StatusNormalClosure {
		t.mu.Unlock()
		t.logger.Info("connection closed normally by peer")
		t.emitState(StateDisconnected)
		return
	}
	terminal := t.scheduleReconnectLocked(cause)
	t.mu.Unlock()
	t.emitState(StateDisconnected)
	if terminal != nil {
		t.logger.Error("giving up on reconnect", "error", terminal)
		t.failPending(terminal)
		if t.onFailed != nil {
			t.onFailed(terminal)
		}
	}
}

func (t *Transport) scheduleReconnectLocked(cause error) error {
	if t.attempts >= t.maxAttempts {
		t.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, t.attempts, cause)
		return t.lastErr
	}
	t.attempts++
	t.stats.ReconnectCount++
	t.metrics.reconnect(t.clientID)
	attempt := t.attempts
	t.logger.Info("scheduling reconnect", "attempt", attempt, "in", t.reconnectInterval, "cause", cause)
	t.reconnectTimer = time.AfterFunc(t.reconnectInterval, t.reconnect)
	return nil
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.userClosed || t.closed || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()
	t.emitState(StateConnecting)
	_ = t.dial(context.Background())
}

func (t *Transport) setStateLocked(s State) {
	t.state = s
}

func (t *Transport) emitState(s State) {
	if t.onStateChange != nil {
		t.onStateChange(s)
	}
}

func (t *Transport) BroadcastStateUpdate(ctx context.Context, update statestore.StateUpdate) error {
	msg, err := NewMessage(TypeStateUpdate, t.clientID, update)
	if err != nil {
		return err
	}
	msg.StateID = update.StateID
	return t.send(ctx, msg, true)
}

// SendEphemeral sends presence-style traffic on channel. It is never
// queued; while disconnected it fails with ErrNotConnected.
func (t *Transport) SendEphemeral(ctx context.Context, channel, stateID string, v any) error {
	if channel == ChannelState {
		return fmt.Errorf("%w: ephemeral traffic needs a channel", ErrInvalidInput)
	}
	msg, err := NewMessage(TypeStateUpdate, t.clientID, v)
	if err != nil {
		return err
	}
	msg.Channel = channel
	msg.StateID = stateID
	return t.send(ctx, msg, false)
}

// RequestState asks a peer (or any peer when targetPeerID is empty) for the
// current value of stateID. The first correlated ack resolves the request.
func (t *Transport) RequestState(ctx context.Context, stateID, targetPeerID string) (json.RawMessage, error) {
	msg, err := NewMessage(TypeStateRequest, t.clientID, nil)
	if err != nil {
		return nil, err
	}
	msg.StateID = stateID
	msg.TargetPeerID = targetPeerID

	ch := make(chan pendingResult, 1)
	t.mu.Lock()
	t.pending[msg.MessageID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.MessageID)
		t.mu.Unlock()
	}()

	if err := t.send(ctx, msg, true); err != nil {
		return nil, err
	}
	timer := time.NewTimer(t.requestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: state_request %s for %s after %s", ErrRequestTimeout, msg.MessageID, stateID, t.requestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) PendingRequests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Transport) send(ctx context.Context, msg SyncMessage, queue bool) error {
	msg.PeerID = t.peerID
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.mu.Lock()
	closed := t.closed
	conn := t.conn
	connected := t.state == StateConnected && conn != nil
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		if !queue {
			return ErrNotConnected
		}
		return t.enqueue(msg)
	}
	return t.write(ctx, conn, msg)
}

func (t *Transport) enqueue(msg SyncMessage) error {
	dropped, err := t.outbox.Enqueue(msg)
	if err != nil {
		return err
	}
	if dropped != nil {
		t.metrics.dropped(t.clientID)
		t.logger.Warn("outbox full, message dropped", "message_id", dropped.MessageID, "type", dropped.Type, "state_id", dropped.StateID)
	}
	t.metrics.outboxDepth(t.clientID, t.outbox.Depth())
	return nil
}

func (t *Transport) write(ctx context.Context, conn *websocket.Conn, msg SyncMessage) error {
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	t.mu.Lock()
	t.stats.MessagesSent++
	t.stats.BytesSent += uint64(len(raw))
	t.mu.Unlock()
	t.metrics.sent(t.clientID, len(raw))
	return nil
}

func (t *Transport) flushOutboxLocked(ctx context.Context, conn *websocket.Conn) error {
	flushed := 0
	for {
		msg, ok := t.outbox.Peek()
		if !ok {
			break
		}
		if err := t.write(ctx, conn, msg); err != nil {
			return err
		}
		if err := t.outbox.Pop(); err != nil {
			return err
		}
		flushed++
	}
	t.metrics.outboxDepth(t.clientID, 0)
	if flushed > 0 {
		t.logger.Info("flushed outbox", "messages", flushed)
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer t.wg.Done()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.connectionLost(gen, err, false)
			return
		}
		t.mu.Lock()
		t.stats.MessagesReceived++
		t.stats.BytesReceived += uint64(len(raw))
		t.mu.Unlock()
		t.metrics.received(t.clientID, len(raw))

		msg, err := Decode(raw)
		if err != nil {
			t.logger.Warn("dropping undecodable message", "error", err)
			continue
		}
		t.dispatch(ctx, msg)
	}
}

func (t *Transport) dispatch(ctx context.Context, msg SyncMessage) {
	switch msg.Type {
	case TypeAck, TypeError:
		t.resolvePending(msg)
	case TypeHeartbeat:
		t.recordHeartbeat(msg)
	case TypeStateUpdate:
		if msg.Channel != ChannelState {
			if t.onEphemeral != nil {
				t.onEphemeral(msg)
			}
			return
		}
		t.handleInboundUpdate(ctx, msg)
	case TypeStateRequest:
		t.handleInboundRequest(ctx, msg)
	}
}

func (t *Transport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *Transport) handleInboundUpdate(ctx context.Context, msg SyncMessage) {
	var update statestore.StateUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.reply(ctx, msg, TypeError, ErrorPayload{Code: "invalid_update", Message: err.Error()})
		return
	}
	handler := t.currentHandler()
	if handler == nil {
		t.reply(ctx, msg, TypeError, ErrorPayload{Code: "no_handler", Message: "peer does not accept updates"})
		return
	}
	if err := handler.HandleStateUpdate(ctx, update); err != nil {
		t.logger.Warn("inbound update rejected", "state_id", update.StateID, "update_id", update.UpdateID, "from", msg.PeerID, "error", err)
		t.reply(ctx, msg, TypeError, ErrorPayload{Code: "update_rejected", Message: err.Error()})
		return
	}
	t.reply(ctx, msg, TypeAck, AckPayload{UpdateID: update.UpdateID, Status: string(statestore.StatusApplied)})
}

func (t *Transport) handleInboundRequest(ctx context.Context, msg SyncMessage) {
	handler := t.currentHandler()
	if handler == nil {
		t.reply(ctx, msg, TypeError, ErrorPayload{Code: "no_handler", Message: "peer does not serve state"})
		return
	}
	value, err := handler.HandleStateRequest(ctx, msg.StateID)
	if err != nil {
		t.reply(ctx, msg, TypeError, ErrorPayload{Code: "request_failed", Message: err.Error()})
		return
	}
	t.reply(ctx, msg, TypeAck, value)
}

func (t *Transport) reply(ctx context.Context, to SyncMessage, typ MessageType, payload any) {
	msg, err := NewMessage(typ, t.clientID, payload)
	if err != nil {
		t.logger.Warn("encode reply failed", "error", err)
		return
	}
	msg.CorrelationID = to.MessageID
	msg.TargetPeerID = to.PeerID
	msg.StateID = to.StateID
	if err := t.send(ctx, msg, false); err != nil && !errors.Is(err, ErrNotConnected) {
		t.logger.Warn("send reply failed", "type", typ, "error", err)
	}
}

func (t *Transport) resolvePending(msg SyncMessage) {
	if msg.CorrelationID == "" {
		if msg.Type == TypeError {
			t.logger.Warn("error from hub", "data", string(msg.Data))
		}
		return
	}
	t.mu.Lock()
	ch, ok := t.pending[msg.CorrelationID]
	if ok {
		delete(t.pending, msg.CorrelationID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if msg.Type == TypeError {
		var payload ErrorPayload
		_ = json.Unmarshal(msg.Data, &payload)
		ch <- pendingResult{err: &RemoteError{Code: payload.Code, Message: payload.Message}}
		return
	}
	ch <- pendingResult{data: msg.Data}
}

func (t *Transport) failPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = map[string]chan pendingResult{}
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

func (t *Transport) recordHeartbeat(msg SyncMessage) {
	now := time.Now()
	t.mu.Lock()
	if !msg.Timestamp.IsZero() && msg.PeerID == t.peerID {
		latency := now.Sub(msg.Timestamp)
		if latency < 0 {
			latency = 0
		}
		t.stats.AverageLatency = time.Duration(0.9*float64(t.stats.AverageLatency) + 0.1*float64(latency))
	}
	t.stats.LastHeartbeat = now
	t.stats.Healthy = true
	avg := t.stats.AverageLatency
	t.mu.Unlock()
	t.metrics.latency(t.clientID, avg)
}

func (t *Transport) heartbeatLoop(ctx context.Context, gen uint64) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		if gen != t.generation {
			t.mu.Unlock()
			return
		}
		if t.stats.Healthy && time.Since(t.stats.LastHeartbeat) > t.heartbeatTimeout {
			t.stats.Healthy = false
			t.logger.Warn("heartbeat stale, marking connection unhealthy", "last_heartbeat", t.stats.LastHeartbeat)
		}
		t.mu.Unlock()

		msg, err := NewMessage(TypeHeartbeat, t.clientID, nil)
		if err != nil {
			continue
		}
		if err := t.send(ctx, msg, false); err != nil {
			t.mu.Lock()
			t.stats.Healthy = false
			t.mu.Unlock()
			t.logger.Warn("heartbeat send failed", "error", err)
		}
	}
}
