package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/im-realtime-client/internal/domain/model"
)

// EventTopicPrefix namespaces republished frames: realtime.events.<channel>.
const EventTopicPrefix = "realtime.events."

// TopicFor returns the bus topic frames of channel are published to.
func TopicFor(channel model.ChannelID) string {
	return EventTopicPrefix + string(channel)
}

// EventDispatcher defines the high-level contract for outgoing events.
// This allows the bridge to stay agnostic of the transport implementation.
type EventDispatcher interface {
	Publish(ctx context.Context, msg *model.IncomingMessage) error
	Publisher() message.Publisher
}

// eventDispatcher is the concrete implementation (private).
type eventDispatcher struct {
	publisher message.Publisher
}

// NewEventDispatcher returns the interface instead of the pointer to the struct.
func NewEventDispatcher(pub message.Publisher) EventDispatcher {
	return &eventDispatcher{
		publisher: pub,
	}
}

func (d *eventDispatcher) Publish(ctx context.Context, msg *model.IncomingMessage) error {
	if msg == nil {
		return errors.New("event dispatcher: cannot publish nil frame")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	// The frame id doubles as the bus message id so consumers can deduplicate.
	id := msg.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	out := message.NewMessage(id, payload)
	out.Metadata.Set("channel", string(msg.Channel))
	out.Metadata.Set("type", msg.Type)
	if msg.Priority != nil {
		out.Metadata.Set("priority", strconv.Itoa(int(*msg.Priority)))
	}
	out.SetContext(ctx)

	topic := TopicFor(msg.Channel)
	if err := d.publisher.Publish(topic, out); err != nil {
		return fmt.Errorf("event dispatcher: failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}
