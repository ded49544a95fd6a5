package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaystate/internal/presence"
	"github.com/agentworkforce/relaystate/internal/transport"
)

var ErrServerClosed = errors.New("hub closed")

type ServerConfig struct {
	JWTSecret string
	// RateLimit is the sustained messages per second allowed per peer.
	// Zero disables limiting.
	RateLimit    float64
	RateBurst    int
	ReadLimit    int64
	WriteTimeout time.Duration
	SendBuffer   int
	Compression  bool
	Gatherer     prometheus.Gatherer
	Metrics      *Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Server relays sync messages between the peers of each client. Peers of
// different clients never see each other's traffic.
type Server struct {
	cfg            ServerConfig
	metrics        *Metrics
	logger         *slog.Logger
	now            func() time.Time
	metricsHandler http.Handler

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type room struct {
	clientID string
	tracker  *presence.Tracker
	peers    map[string]*peer
}

type peer struct {
	id       string
	clientID string
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	done     chan struct{}
	once     sync.Once
}

func (p *peer) close(code websocket.StatusCode, reason string) {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close(code, reason)
	})
}

// NewServer builds the relay. Without a JWTSecret every authenticated route
// answers 503.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit) + 1
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "hub"),
		now:     now,
		rooms:   map[string]*room{},
	}
	if cfg.Gatherer != nil {
		s.metricsHandler = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	if cfg.JWTSecret == "" {
		s.logger.Error("no jwt secret configured, rejecting every peer")
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metricsHandler != nil {
		s.metricsHandler.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "clients" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	clientID := parts[2]
	switch {
	case parts[3] == "sync" && r.Method == http.MethodGet:
		s.handleSync(w, r, clientID)
	case parts[3] == "presence" && r.Method == http.MethodGet:
		s.handlePresence(w, r, clientID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, clientID, scope string) (*Claims, bool) {
	if s.cfg.JWTSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "hub has no signing secret", getCorrelationID(r))
		return nil, false
	}
	claims, aerr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, clientID, scope, s.now())
	if aerr != nil {
		s.metrics.authFailure(aerr.code)
		if aerr.status == http.StatusForbidden {
			s.logger.Warn("request rejected", "security", true, "client_id", clientID, "reason", aerr.message)
		}
		writeError(w, aerr.status, aerr.code, aerr.message, getCorrelationID(r))
		return nil, false
	}
	return claims, true
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, clientID string) {
	if _, ok := s.authorize(w, r, clientID, ScopePresenceRead); !ok {
		return
	}
	s.mu.Lock()
	rm := s.rooms[clientID]
	s.mu.Unlock()
	if rm == nil {
		writeJSON(w, http.StatusOK, presence.Snapshot{
			ClientID: clientID,
			Peers:    []presence.Peer{},
			States:   map[string][]string{},
			TakenAt:  s.now(),
		})
		return
	}
	writeJSON(w, http.StatusOK, rm.tracker.Snapshot())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, clientID string) {
	claims, ok := s.authorize(w, r, clientID, ScopeSync)
	if !ok {
		return
	}
	if s.isClosed() {
		writeError(w, http.StatusServiceUnavailable, "unavailable", ErrServerClosed.Error(), getCorrelationID(r))
		return
	}
	peerID := claims.PeerID
	if requested := strings.TrimSpace(r.Header.Get(transport.PeerHeader)); requested != "" {
		if peerID != "" && requested != peerID {
			s.metrics.authFailure("forbidden")
			writeError(w, http.StatusForbidden, "forbidden", "peer mismatch", getCorrelationID(r))
			return
		}
		peerID = requested
	}
	if peerID == "" {
		peerID = "peer_" + uuid.NewString()[:8]
	}

	mode := websocket.CompressionDisabled
	if s.cfg.Compression {
		mode = websocket.CompressionContextTakeover
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: mode})
	if err != nil {
		s.logger.Warn("websocket accept failed", "client_id", clientID, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	p := &peer{
		id:       peerID,
		clientID: clientID,
		conn:     conn,
		send:     make(chan []byte, s.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	if s.cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}

	rm, replaced, err := s.join(p)
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, err.Error())
		return
	}
	if replaced != nil {
		replaced.close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
	meta := map[string]string{}
	if claims.Subject != "" {
		meta["subject"] = claims.Subject
	}
	existing := rm.tracker.Online()
	if _, err := rm.tracker.Join(peerID, meta); err != nil {
		s.logger.Warn("presence join failed", "client_id", clientID, "peer_id", peerID, "error", err)
	}
	s.logger.Info("peer connected", "client_id", clientID, "peer_id", peerID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.writeLoop(ctx, p)

	s.introduce(p, existing)
	s.fanout(rm, p.id, s.presenceMessage(clientID, presence.Event{Type: presence.EventJoin, PeerID: peerID, Metadata: meta, At: s.now()}))

	s.readLoop(ctx, rm, p)
	s.leave(rm, p)
}

func (s *Server) introduce(p *peer, existing []presence.Peer) {
	for _, other := range existing {
		if other.PeerID == p.id {
			continue
		}
		s.deliver(p, s.presenceMessage(p.clientID, presence.Event{Type: presence.EventJoin, PeerID: other.PeerID, Metadata: other.Metadata, At: other.JoinedAt}))
		for _, stateID := range other.States {
			s.deliver(p, s.presenceMessage(p.clientID, presence.Event{Type: presence.EventAttach, PeerID: other.PeerID, StateID: stateID, At: other.LastSeen}))
		}
		if other.Cursor != nil {
			s.deliver(p, s.presenceMessage(p.clientID, presence.Event{Type: presence.EventCursor, PeerID: other.PeerID, StateID: other.Cursor.StateID, Cursor: other.Cursor, At: other.Cursor.UpdatedAt}))
		}
	}
}

func (s *Server) join(p *peer) (*room, *peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrServerClosed
	}
	rm, ok := s.rooms[p.clientID]
	if !ok {
		rm = &room{
			clientID: p.clientID,
			tracker:  presence.NewTracker(presence.Options{ClientID: p.clientID, Logger: s.logger, Now: s.now}),
			peers:    map[string]*peer{},
		}
		s.rooms[p.clientID] = rm
	}
	replaced := rm.peers[p.id]
	rm.peers[p.id] = p
	s.metrics.peerCount(p.clientID, len(rm.peers))
	return rm, replaced, nil
}

func (s *Server) leave(rm *room, p *peer) {
	p.close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	current := rm.peers[p.id] == p
	if current {
		delete(rm.peers, p.id)
		if len(rm.peers) == 0 && s.rooms[rm.clientID] == rm {
			delete(s.rooms, rm.clientID)
		}
	}
	s.metrics.peerCount(rm.clientID, len(rm.peers))
	s.mu.Unlock()

	if !current {
		return
	}
	rm.tracker.Leave(p.id)
	s.fanout(rm, p.id, s.presenceMessage(rm.clientID, presence.Event{Type: presence.EventLeave, PeerID: p.id, At: s.now()}))
	s.logger.Info("peer disconnected", "client_id", rm.clientID, "peer_id", p.id)
}

func (s *Server) readLoop(ctx context.Context, rm *room, p *peer) {
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Debug("peer read ended", "client_id", rm.clientID, "peer_id", p.id, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.sendError(p, "", "invalid_message", "binary frames are not supported")
			continue
		}
		msg, err := transport.Decode(data)
		if err != nil {
			s.sendError(p, "", "invalid_message", err.Error())
			continue
		}
		if msg.Type != transport.TypeHeartbeat && p.limiter != nil && !p.limiter.Allow() {
			s.metrics.limited(rm.clientID)
			s.sendError(p, msg.MessageID, "rate_limited", "message rate limit exceeded")
			continue
		}
		if msg.ClientID != "" && msg.ClientID != rm.clientID {
			s.logger.Warn("cross-tenant message rejected",
				"security", true,
				"client_id", rm.clientID,
				"peer_id", p.id,
				"requested_client_id", msg.ClientID,
			)
			s.sendError(p, msg.MessageID, "forbidden", "client mismatch")
			continue
		}
		msg.ClientID = rm.clientID
		msg.PeerID = p.id
		s.metrics.relayed(rm.clientID, msg.Type)
		s.route(rm, p, msg)
	}
}

func (s *Server) route(rm *room, from *peer, msg transport.SyncMessage) {
	if msg.Type == transport.TypeHeartbeat {
		s.deliver(from, msg)
		return
	}
	if msg.Channel == transport.ChannelPresence {
		var ev presence.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.sendError(from, msg.MessageID, "invalid_presence", err.Error())
			return
		}
		if ev.Type == presence.EventJoin || ev.Type == presence.EventLeave {
			s.sendError(from, msg.MessageID, "invalid_presence", "join and leave are sent by the hub")
			return
		}
		ev.PeerID = from.id
		if ev.At.IsZero() {
			ev.At = s.now()
		}
		if err := rm.tracker.ApplyEvent(ev); err != nil {
			s.sendError(from, msg.MessageID, "invalid_presence", err.Error())
			return
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		msg.Data = raw
	}

	if msg.TargetPeerID != "" {
		s.mu.Lock()
		target := rm.peers[msg.TargetPeerID]
		s.mu.Unlock()
		if target == nil {
			s.sendError(from, msg.MessageID, "unknown_peer", "peer "+msg.TargetPeerID+" is not connected")
			return
		}
		s.deliver(target, msg)
		return
	}
	if n := s.fanout(rm, from.id, msg); n == 0 && msg.Type == transport.TypeStateRequest {
		s.sendError(from, msg.MessageID, "no_peers", "no other peer is connected")
	}
}

// fanout delivers msg to every peer of rm except skip and reports how many
// peers accepted it.
func (s *Server) fanout(rm *room, skip string, msg transport.SyncMessage) int {
	s.mu.Lock()
	targets := make([]*peer, 0, len(rm.peers))
	for id, p := range rm.peers {
		if id != skip {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, p := range targets {
		if s.deliver(p, msg) {
			n++
		}
	}
	return n
}

func (s *Server) deliver(p *peer, msg transport.SyncMessage) bool {
	raw, err := transport.Encode(msg)
	if err != nil {
		s.logger.Warn("encode message failed", "client_id", p.clientID, "error", err)
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- raw:
		return true
	case <-p.done:
		return false
	default:
		s.metrics.slowPeer(p.clientID)
		s.logger.Warn("send buffer full, dropping peer", "client_id", p.clientID, "peer_id", p.id)
		go p.close(websocket.StatusPolicyViolation, "send buffer full")
		return false
	}
}

func (s *Server) sendError(p *peer, correlationID, code, message string) {
	msg, err := transport.NewMessage(transport.TypeError, p.clientID, transport.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	msg.CorrelationID = correlationID
	s.deliver(p, msg)
}

func (s *Server) presenceMessage(clientID string, ev presence.Event) transport.SyncMessage {
	msg, _ := transport.NewMessage(transport.TypeStateUpdate, clientID, ev)
	msg.Channel = transport.ChannelPresence
	msg.PeerID = ev.PeerID
	msg.StateID = ev.StateID
	return msg
}

func (s *Server) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case raw := <-p.send:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := p.conn.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				s.logger.Debug("peer write failed", "client_id", p.clientID, "peer_id", p.id, "error", err)
				p.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) PeerCount(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm := s.rooms[clientID]; rm != nil {
		return len(rm.peers)
	}
	return 0
}

// Close disconnects every peer with a going-away status so clients
// reconnect elsewhere. Later handshakes are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var peers []*peer
	for _, rm := range s.rooms {
		for _, p := range rm.peers {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			p.close(websocket.StatusGoingAway, "hub shutting down")
		}(p)
	}
	wg.Wait()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
