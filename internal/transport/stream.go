package transport

import (
	"context"
	"fmt"
	"time"
)

type StreamType string

const (
	StreamRealtime StreamType = "realtime"
	StreamBatch    StreamType = "batch"
	StreamDelta    StreamType = "delta"
)

type StreamConfig struct {
	Type          StreamType    `json:"type" yaml:"type"`
	MaxBatchSize  int           `json:"maxBatchSize" yaml:"max_batch_size"`
	FlushInterval time.Duration `json:"flushInterval" yaml:"flush_interval"`
}

type stream struct {
	cfg    StreamConfig
	items  []any
	timer  *time.Timer
	closed bool
}

// ConfigureStream sets how values streamed for stateID are delivered.
// Reconfiguring flushes whatever the previous configuration buffered.
func (t *Transport) ConfigureStream(ctx context.Context, stateID string, cfg StreamConfig) error {
	if stateID == "" {
		return fmt.Errorf("%w: state id is required", ErrInvalidInput)
	}
	switch cfg.Type {
	case "":
		cfg.Type = StreamRealtime
	case StreamRealtime, StreamBatch, StreamDelta:
	default:
		return fmt.Errorf("%w: unknown stream type %q", ErrInvalidInput, cfg.Type)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}

	t.streamMu.Lock()
	prev := t.streams[stateID]
	var pending []any
	if prev != nil {
		pending = prev.takeLocked()
	}
	t.streams[stateID] = &stream{cfg: cfg}
	t.streamMu.Unlock()

	if prev != nil && len(pending) > 0 {
		return t.sendStream(ctx, stateID, prev.cfg.Type, pending)
	}
	return nil
}

// StreamData pushes v on the stream configured for stateID. Realtime streams
// send at once; batch and delta streams buffer until MaxBatchSize values
// are pending or FlushInterval elapses. While disconnected, flushed values
// go to the outbox.
func (t *Transport) StreamData(ctx context.Context, stateID string, v any) error {
	t.streamMu.Lock()
	s, ok := t.streams[stateID]
	if !ok || s.closed {
		t.streamMu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotConfigured, stateID)
	}
	if s.cfg.Type == StreamRealtime {
		t.streamMu.Unlock()
		return t.sendStream(ctx, stateID, StreamRealtime, []any{v})
	}
	s.items = append(s.items, v)
	if len(s.items) >= s.cfg.MaxBatchSize {
		items := s.takeLocked()
		t.streamMu.Unlock()
		return t.sendStream(ctx, stateID, s.cfg.Type, items)
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.FlushInterval, func() {
			if err := t.flushStream(context.Background(), stateID); err != nil {
				t.logger.Warn("stream flush failed", "state_id", stateID, "error", err)
			}
		})
	}
	t.streamMu.Unlock()
	return nil
}

func (t *Transport) FlushStreams(ctx context.Context) error {
	t.streamMu.Lock()
	ids := make([]string, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	t.streamMu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := t.flushStream(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) flushStream(ctx context.Context, stateID string) error {
	t.streamMu.Lock()
	s, ok := t.streams[stateID]
	if !ok {
		t.streamMu.Unlock()
		return nil
	}
	items := s.takeLocked()
	mode := s.cfg.Type
	t.streamMu.Unlock()
	if len(items) == 0 {
		return nil
	}
	return t.sendStream(ctx, stateID, mode, items)
}

func (t *Transport) sendStream(ctx context.Context, stateID string, mode StreamType, items []any) error {
	msg, err := NewMessage(TypeStateUpdate, t.clientID, StreamPayload{Mode: mode, Items: items})
	if err != nil {
		return err
	}
	msg.Channel = ChannelStream
	msg.StateID = stateID
	return t.send(ctx, msg, true)
}

func (t *Transport) stopStreams() {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	for _, s := range t.streams {
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.items = nil
	}
}

func (s *stream) takeLocked() []any {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	items := s.items
	s.items = nil
	return items
}
