package model

import (
	"encoding/json"
	"time"
)

// FrameKind is the tag of the decoded inbound frame union.
type FrameKind int16

const (
	// [FORWARD_COMPATIBILITY] Frames the decoder does not recognise.
	FrameUnknown FrameKind = iota
	FrameEvent
	FramePing
	FramePong
	FrameSubscribe
	FrameUnsubscribe
)

func (k FrameKind) String() string {
	switch k {
	case FrameEvent:
		return "event"
	case FramePing:
		return TypePing
	case FramePong:
		return TypePong
	case FrameSubscribe:
		return TypeSubscribe
	case FrameUnsubscribe:
		return TypeUnsubscribe
	default:
		return "unknown"
	}
}

// IncomingMessage is one decoded inbound frame. Transient: handed to the router and discarded.
type IncomingMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Channel   ChannelID       `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Priority  *Priority       `json:"priority,omitempty"`

	// Kind is assigned by the decoder and never read from the wire.
	Kind FrameKind `json:"-"`
	// Size is the encoded length of the frame in bytes.
	Size int `json:"-"`
}

// Time converts the epoch-ms timestamp.
func (m *IncomingMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Decode unmarshals the raw payload into v.
func (m *IncomingMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// ControlPayload is carried by system subscribe/unsubscribe frames.
type ControlPayload struct {
	Channel ChannelID `json:"channel"`
}
