// Package wsmarshaller converts between wire frames and the domain model.
//
// Outbound frames are plain JSON objects. Inbound frames are decoded into a closed
// set of kinds at the boundary so nothing downstream branches on type strings.
package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/webitel/im-realtime-client/internal/domain/model"
)

// Encode renders an outbound frame for the socket.
func Encode(frame model.OutboundFrame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", frame.ID, err)
	}
	return data, nil
}

// Decode parses one inbound frame and tags its kind.
// Frames on a channel this client does not know are returned as FrameUnknown
// rather than rejected, so a newer server does not break older clients.
func Decode(data []byte) (*model.IncomingMessage, error) {
	var msg model.IncomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, model.NewClientError(model.KindProtocol, fmt.Errorf("decode frame: %w", err))
	}
	msg.Size = len(data)
	msg.Kind = kindOf(&msg)
	return &msg, nil
}

func kindOf(msg *model.IncomingMessage) model.FrameKind {
	if !msg.Channel.Valid() {
		return model.FrameUnknown
	}
	if msg.Channel != model.ChannelSystem {
		return model.FrameEvent
	}

	// [SYSTEM_CHANNEL] Reserved types are control frames; anything else is an ordinary system event.
	switch msg.Type {
	case model.TypePing:
		return model.FramePing
	case model.TypePong:
		return model.FramePong
	case model.TypeSubscribe:
		return model.FrameSubscribe
	case model.TypeUnsubscribe:
		return model.FrameUnsubscribe
	default:
		return model.FrameEvent
	}
}
