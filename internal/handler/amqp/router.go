package amqp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/im-realtime-client/internal/domain/model"
)

const (
	// ------------------- TOPICS -------------------
	DefaultCommandTopic = "realtime.commands.send.v1"
	CommandPoisonTopic  = "realtime.commands.send.v1.poison"

	HandlerSendCommand = "ON_SEND_COMMAND"
)

// Sender is the part of the realtime client commands need.
type Sender interface {
	Send(msg model.OutgoingMessage) (string, error)
}

type CommandHandler struct {
	sender Sender
	logger *slog.Logger
}

func NewCommandHandler(sender Sender, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{sender: sender, logger: logger}
}

func NewWatermillRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{
		CloseTimeout: 10 * time.Second,
	}, logger)
}

// [REGISTRATION_PIPELINE]
func (h *CommandHandler) RegisterHandlers(router *message.Router, sub message.Subscriber, pub message.Publisher, topic string) error {
	if topic == "" {
		topic = DefaultCommandTopic
	}

	poison, err := middleware.PoisonQueue(pub, CommandPoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	router.AddConsumerHandler(HandlerSendCommand, topic, sub, Bind(h, h.OnSendCommandV1)).AddMiddleware(
		TraceIDMiddleware,
		poison,
		CommandLogMiddleware(h.logger),
		NewRetryMiddleware(h.logger).Middleware,
		CountAttempts,
		middleware.NewThrottle(100, time.Second).Middleware,
		middleware.Timeout(time.Second*30),
	)

	h.logger.Info("COMMAND_PIPELINE_READY", "topic", topic)
	return nil
}
