package queue

import (
	"log/slog"
	"time"
)

// Option defines a functional configuration type for the Queue.
type Option func(*config)

// WithMaxSize sets the [CAPACITY] bound. Values below 1 are ignored.
func WithMaxSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithMaxRetries sets how many failed attempts a message survives before it is dropped.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithStorageKey sets the key the snapshot is mirrored under.
func WithStorageKey(key string) Option {
	return func(c *config) {
		if key != "" {
			c.storageKey = key
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

// WithErrorHandler receives storage failures. The queue keeps working from memory meanwhile.
func WithErrorHandler(fn func(error)) Option {
	return func(c *config) {
		c.onError = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
