package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeStateUpdate  MessageType = "state_update"
	TypeStateRequest MessageType = "state_request"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeError        MessageType = "error"
	TypeAck          MessageType = "ack"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeStateUpdate, TypeStateRequest, TypeHeartbeat, TypeError, TypeAck:
		return true
	}
	return false
}

// PeerHeader carries the peer id on the websocket handshake.
const PeerHeader = "X-Relaystate-Peer-Id"

// Channels multiplex non-state traffic over state_update messages.
const (
	ChannelState    = ""
	ChannelStream   = "stream"
	ChannelPresence = "presence"
)

type SyncMessage struct {
	MessageID     string          `json:"messageId"`
	Type          MessageType     `json:"type"`
	ClientID      string          `json:"clientId"`
	PeerID        string          `json:"peerId,omitempty"`
	TargetPeerID  string          `json:"targetPeerId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	StateID       string          `json:"stateId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AckPayload struct {
	UpdateID string `json:"updateId"`
	Status   string `json:"status"`
}

type StreamPayload struct {
	Mode  StreamType `json:"mode"`
	Items []any      `json:"items"`
}

func NewMessage(typ MessageType, clientID string, data any) (SyncMessage, error) {
	msg := SyncMessage{
		MessageID: uuid.NewString(),
		Type:      typ,
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return SyncMessage{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

func Encode(msg SyncMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Decode(raw []byte) (SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SyncMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !msg.Type.Valid() {
		return SyncMessage{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}
