package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// GossipSub topic names.
const (
	TopicBlocks = "/biddy/block/1.0.0"
)

// QueueProtocol is the stream protocol carrying per-peer queue frames.
const QueueProtocol = protocol.ID("/biddy/queue/1.0.0")

// Frame and gossip size limits.
const (
	MaxFrameSize   = 1 << 20
	MaxMessageSize = 2 << 20
)

// MessageType identifies a queue message.
type MessageType uint8

const (
	MsgPayload MessageType = iota + 1 // Pending payload relay.
	MsgStatus                         // Tip announcement.
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MsgPayload:
		return "payload"
	case MsgStatus:
		return "status"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is a queue protocol envelope.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Status is the tip a peer announces.
type Status struct {
	Author string     `json:"author"`
	HasTip bool       `json:"has_tip"`
	TipID  uint32     `json:"tip_id"`
	Tip    types.Hash `json:"tip"`
}

// payloadEnvelope mirrors the block payload encoding.
type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMessage wraps v into an envelope of type t.
func EncodeMessage(t MessageType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	return json.Marshal(Message{Type: t, Payload: body})
}

// DecodeMessage parses an envelope.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if m.Type != MsgPayload && m.Type != MsgStatus {
		return nil, fmt.Errorf("unknown message type %d", m.Type)
	}
	return &m, nil
}

// EncodePayload builds a MsgPayload envelope for pl.
func EncodePayload(pl block.Payload) ([]byte, error) {
	data, err := json.Marshal(pl)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return EncodeMessage(MsgPayload, payloadEnvelope{Kind: pl.Kind(), Data: data})
}

// DecodePayload extracts the payload from a MsgPayload envelope.
func (m *Message) DecodePayload() (block.Payload, error) {
	if m.Type != MsgPayload {
		return nil, fmt.Errorf("message type %s carries no payload", m.Type)
	}
	var env payloadEnvelope
	if err := json.Unmarshal(m.Payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}
	return block.DecodePayload(env.Kind, env.Data)
}

// DecodeStatus extracts the status from a MsgStatus envelope.
func (m *Message) DecodeStatus() (Status, error) {
	var st Status
	if m.Type != MsgStatus {
		return st, fmt.Errorf("message type %s carries no status", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &st); err != nil {
		return st, fmt.Errorf("unmarshal status: %w", err)
	}
	return st, nil
}
