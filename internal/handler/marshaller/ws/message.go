package wsmarshaller

import (
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-client/internal/domain/model"
)

// Control frames travel on the system channel at CRITICAL priority.

func Ping(now time.Time) model.OutboundFrame {
	return control(uuid.NewString(), model.TypePing, nil, now)
}

// Pong answers a server ping, echoing its id so the server can measure round-trip time.
func Pong(pingID string, now time.Time) model.OutboundFrame {
	return control(pingID, model.TypePong, nil, now)
}

func Subscribe(channel model.ChannelID, now time.Time) model.OutboundFrame {
	return control(uuid.NewString(), model.TypeSubscribe, model.ControlPayload{Channel: channel}, now)
}

func Unsubscribe(channel model.ChannelID, now time.Time) model.OutboundFrame {
	return control(uuid.NewString(), model.TypeUnsubscribe, model.ControlPayload{Channel: channel}, now)
}

func control(id, typ string, payload any, now time.Time) model.OutboundFrame {
	return model.NewOutboundFrame(id, model.OutgoingMessage{
		Type:    typ,
		Channel: model.ChannelSystem,
		Payload: payload,
	}, model.PriorityCritical, now)
}
