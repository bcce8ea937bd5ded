package service

import (
	"log/slog"
	"time"

	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/domain/registry"
)

// RealtimeMiddleware implements [DECORATOR_PATTERN] to add observability
// to the client API without touching the connection logic.
type RealtimeMiddleware struct {
	Realtime
	Logger *slog.Logger
}

// NewRealtimeMiddleware creates a logging decorator for Realtime.
func NewRealtimeMiddleware(next Realtime, logger *slog.Logger) Realtime {
	return &RealtimeMiddleware{
		Realtime: next,
		Logger:   logger,
	}
}

// Send wraps the facade call with timing and outcome logging.
func (m *RealtimeMiddleware) Send(msg model.OutgoingMessage) (string, error) {
	start := time.Now()
	state := m.Realtime.State()

	id, err := m.Realtime.Send(msg)

	if err != nil {
		m.Logger.Warn("SEND_REJECTED",
			"err", err,
			"type", msg.Type,
			"channel", msg.Channel,
			"priority", msg.EffectivePriority().String(),
			"state", state.String(),
		)
		return id, err
	}

	m.Logger.Debug("SEND_ACCEPTED",
		"msg_id", id,
		"type", msg.Type,
		"channel", msg.Channel,
		"queued", state != model.StateConnected,
		"duration_us", time.Since(start).Microseconds(),
	)
	return id, nil
}

func (m *RealtimeMiddleware) Subscribe(channel model.ChannelID, h registry.Handler) (func(), error) {
	unsubscribe, err := m.Realtime.Subscribe(channel, h)
	if err != nil {
		m.Logger.Warn("SUBSCRIBE_REJECTED", "channel", channel, "err", err)
		return nil, err
	}
	m.Logger.Info("SUBSCRIBED", "channel", channel)
	return unsubscribe, nil
}

func (m *RealtimeMiddleware) Connect(token string) error {
	err := m.Realtime.Connect(token)
	if err != nil {
		m.Logger.Error("CONNECT_FAILED", "err", err)
		return err
	}
	m.Logger.Info("CONNECT_REQUESTED", "queued", m.Realtime.QueueSize())
	return nil
}
