package model

import (
	"encoding/json"
	"time"
)

// [OUTGOING_MESSAGE] Constructed by callers of Send. Ephemeral.
type OutgoingMessage struct {
	Type    string    `json:"type"`
	Channel ChannelID `json:"channel,omitempty"`
	Payload any       `json:"payload"`
	// Priority is optional; nil means PriorityNormal.
	Priority *Priority `json:"priority,omitempty"`
}

// EffectivePriority resolves the optional priority to its default. Unknown values
// count as PriorityNormal too.
func (m OutgoingMessage) EffectivePriority() Priority {
	if m.Priority == nil || !m.Priority.Valid() {
		return PriorityNormal
	}
	return *m.Priority
}

// UnmarshalJSON keeps the payload as raw JSON, so a message restored from storage
// is written to the wire byte for byte as it was queued.
func (m *OutgoingMessage) UnmarshalJSON(data []byte) error {
	type alias OutgoingMessage
	var aux struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = OutgoingMessage(aux.alias)
	m.Payload = aux.Payload
	return nil
}

// [QUEUED_MESSAGE] Owned by the message queue until delivered, dropped or evicted.
type QueuedMessage struct {
	ID         string          `json:"id"`
	Message    OutgoingMessage `json:"message"`
	Priority   Priority        `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
}

// Frame builds the wire frame for a queued message. The queue id becomes the frame id,
// so callers see the same id whether a message was sent immediately or drained later.
func (q QueuedMessage) Frame(now time.Time) OutboundFrame {
	return NewOutboundFrame(q.ID, q.Message, q.Priority, now)
}

// [OUTBOUND_FRAME] The shape written to the socket.
type OutboundFrame struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Channel   ChannelID `json:"channel,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp int64     `json:"timestamp"`
	Priority  Priority  `json:"priority"`
}

func NewOutboundFrame(id string, msg OutgoingMessage, priority Priority, now time.Time) OutboundFrame {
	return OutboundFrame{
		ID:        id,
		Type:      msg.Type,
		Channel:   msg.Channel,
		Payload:   msg.Payload,
		Timestamp: now.UnixMilli(),
		Priority:  priority,
	}
}
