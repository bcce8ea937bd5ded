package model

import (
	"errors"
	"fmt"
)

var (
	ErrMissingURL       = errors.New("realtime: url is required")
	ErrInvalidChannel   = errors.New("realtime: invalid channel")
	ErrQueueFull        = errors.New("realtime: message queue full")
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrMaxRetries       = errors.New("realtime: delivery retries exhausted")
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat pong timeout")
	ErrConnectTimeout   = errors.New("realtime: connect timeout")
	ErrUnknownFrame     = errors.New("realtime: unknown frame")
	ErrClosed           = errors.New("realtime: client closed")
	ErrNilHandler       = errors.New("realtime: nil handler")
)

// ErrorKind classifies failures surfaced through OnError.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindSend      ErrorKind = "send"
	KindQueueFull ErrorKind = "queue_full"
	KindHandler   ErrorKind = "handler"
	KindConfig    ErrorKind = "config"
	KindProtocol  ErrorKind = "protocol"
	KindStorage   ErrorKind = "storage"
	KindDelivery  ErrorKind = "delivery"
)

// ClientError carries the context of a reported failure.
type ClientError struct {
	Kind      ErrorKind
	MessageID string
	Channel   ChannelID
	Err       error
}

func (e *ClientError) Error() string {
	msg := "realtime " + string(e.Kind) + " error"
	if e.MessageID != "" {
		msg += fmt.Sprintf(" [msg=%s]", e.MessageID)
	}
	if e.Channel != "" {
		msg += fmt.Sprintf(" [channel=%s]", e.Channel)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClientError) Unwrap() error { return e.Err }

// NewClientError wraps err with its kind.
func NewClientError(kind ErrorKind, err error) *ClientError {
	return &ClientError{Kind: kind, Err: err}
}

// KindOf returns the kind of a ClientError anywhere in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
