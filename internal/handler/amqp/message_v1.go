package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/webitel/im-realtime-client/internal/domain/model"
)

// SendCommandV1 asks the client to send one message over the socket.
type SendCommandV1 struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority,omitempty"`
}

// ToDomain validates the command; an invalid command is never worth retrying.
func (c *SendCommandV1) ToDomain() (model.OutgoingMessage, error) {
	if c.Type == "" {
		return model.OutgoingMessage{}, errors.New("type is required")
	}
	msg := model.OutgoingMessage{Type: c.Type, Payload: c.Payload}
	if c.Channel != "" {
		ch, err := model.ParseChannel(c.Channel)
		if err != nil {
			return model.OutgoingMessage{}, err
		}
		msg.Channel = ch
	}
	if c.Priority != "" {
		p, err := model.ParsePriority(c.Priority)
		if err != nil {
			return model.OutgoingMessage{}, err
		}
		msg.Priority = p.Ptr()
	}
	return msg, nil
}

// [ON_SEND_COMMAND]
// Hands a bus command to the realtime client. A full queue is returned as an error
// so the retry middleware backs off; validation failures are acknowledged and dropped.
func (h *CommandHandler) OnSendCommandV1(ctx context.Context, cmd *SendCommandV1) error {
	msg, err := cmd.ToDomain()
	if err != nil {
		h.logger.Warn("COMMAND_REJECTED", "err", err, "type", cmd.Type, "channel", cmd.Channel)
		return nil
	}

	id, err := h.sender.Send(msg)
	if err != nil {
		if errors.Is(err, model.ErrQueueFull) {
			return fmt.Errorf("send command: %w", err)
		}
		h.logger.Error("COMMAND_SEND_FAILED", "err", err, "type", msg.Type)
		return nil
	}

	h.logger.Debug("COMMAND_ACCEPTED", "msg_id", id, "type", msg.Type, "channel", msg.Channel)
	return nil
}
