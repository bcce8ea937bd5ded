package amqp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/webitel/im-realtime-client/internal/domain/model"
)

const metadataTraceID = "trace_id"

type (
	traceIDKey  struct{}
	attemptsKey struct{}
)

// TraceID returns the trace id attached by TraceIDMiddleware, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// [TRACE_ID_MIDDLEWARE]
// Commands published by watermill producers carry a correlation id rather than
// a trace id; either is accepted before a fresh one is minted.
func TraceIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		traceID := msg.Metadata.Get(metadataTraceID)
		if traceID == "" {
			traceID = middleware.MessageCorrelationID(msg)
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}
		msg.Metadata.Set(metadataTraceID, traceID)
		msg.SetContext(context.WithValue(msg.Context(), traceIDKey{}, traceID))

		return h(msg)
	}
}

// commandOutcome names what happened to a command once retries are over.
func commandOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, model.ErrQueueFull):
		return "backpressure"
	default:
		return "failed"
	}
}

// [COMMAND_LOG_MIDDLEWARE]
// One line per command after the retry loop, with the number of handler runs it took.
// Sits inside the poison middleware, so a non-nil error here is about to be poisoned.
func CommandLogMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			attempts := new(int)
			msg.SetContext(context.WithValue(msg.Context(), attemptsKey{}, attempts))

			msgs, err := h(msg)

			ctx := msg.Context()
			args := []any{
				"msg_id", msg.UUID,
				"trace_id", TraceID(ctx),
				"handler", message.HandlerNameFromCtx(ctx),
				"topic", message.SubscribeTopicFromCtx(ctx),
				"attempts", *attempts,
				"duration_ms", time.Since(start).Milliseconds(),
				"outcome", commandOutcome(err),
			}
			if err != nil {
				logger.Warn("COMMAND_POISONED", append(args, "err", err)...)
			} else {
				logger.Debug("COMMAND_HANDLED", args...)
			}
			return msgs, err
		}
	}
}

// CountAttempts goes inside the retry middleware; every handler run bumps the
// counter CommandLogMiddleware reports.
func CountAttempts(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if n, ok := msg.Context().Value(attemptsKey{}).(*int); ok {
			*n++
		}
		return h(msg)
	}
}

// [RETRY_MIDDLEWARE]
// The handler only fails on a full queue, which clears as soon as the
// connection drains, so retries start short and stop at the first other error.
func NewRetryMiddleware(logger *slog.Logger) middleware.Retry {
	return middleware.Retry{
		MaxRetries:          5,
		InitialInterval:     250 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.25,
		MaxElapsedTime:      20 * time.Second,
		ShouldRetry: func(p middleware.RetryParams) bool {
			if !errors.Is(p.Err, model.ErrQueueFull) {
				return false
			}
			logger.Debug("COMMAND_BACKPRESSURE", "retry_no", p.RetryNum, "delay_ms", p.Delay.Milliseconds())
			return true
		},
	}
}
