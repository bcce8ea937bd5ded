package registry

import (
	"log/slog"

	"github.com/webitel/im-realtime-client/internal/domain/model"
)

const DefaultDedupSize = 512

type config struct {
	dedupSize int
	logger    *slog.Logger
	onError   func(error)
	onActive  func(model.ChannelID)
	onIdle    func(model.ChannelID)
}

func defaultConfig() config {
	return config{
		dedupSize: DefaultDedupSize,
		logger:    slog.Default(),
	}
}

// Option defines a functional configuration type for the Hub.
type Option func(*config)

// WithDedupWindow sets how many recent frame ids are remembered to drop
// redelivered frames. Zero disables [DUPLICATE_SUPPRESSION].
func WithDedupWindow(size int) Option {
	return func(c *config) {
		if size >= 0 {
			c.dedupSize = size
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithErrorSink receives handler failures, each wrapped as a KindHandler ClientError.
func WithErrorSink(fn func(error)) Option {
	return func(c *config) {
		c.onError = fn
	}
}

// WithChannelHooks observes a channel gaining its first or losing its last subscriber.
// Hooks run outside the Hub lock.
func WithChannelHooks(onActive, onIdle func(model.ChannelID)) Option {
	return func(c *config) {
		c.onActive = onActive
		c.onIdle = onIdle
	}
}
