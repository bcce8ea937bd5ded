package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/webitel/im-realtime-client/internal/domain/metrics"
	"github.com/webitel/im-realtime-client/internal/domain/model"
)

const (
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectInterval = 30 * time.Second
	DefaultReconnectDecay       = 1.5
	DefaultTimeout              = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
)

// Options configure the connection lifecycle. Zero durations fall back to the defaults.
type Options struct {
	URL string `mapstructure:"url"`

	Reconnect            bool          `mapstructure:"reconnect"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	ReconnectDecay       float64       `mapstructure:"reconnect_decay"`
	// MaxReconnectAttempts bounds consecutive reconnect attempts; 0 means unbounded.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`

	// Timeout bounds both the socket open and the wait for a heartbeat pong.
	Timeout time.Duration `mapstructure:"timeout"`
	// HeartbeatInterval of 0 disables the heartbeat.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Debug logs every frame at debug level.
	Debug bool `mapstructure:"debug"`
}

// DefaultOptions returns options with reconnection enabled.
func DefaultOptions(url string) Options {
	return Options{
		URL:                  url,
		Reconnect:            true,
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectInterval: DefaultMaxReconnectInterval,
		ReconnectDecay:       DefaultReconnectDecay,
		Timeout:              DefaultTimeout,
		HeartbeatInterval:    DefaultHeartbeatInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
	if o.MaxReconnectInterval < o.ReconnectInterval {
		o.MaxReconnectInterval = o.ReconnectInterval
	}
	if o.ReconnectDecay < 1 {
		o.ReconnectDecay = DefaultReconnectDecay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	return o
}

// Validate fails fast on options no connection could be built from.
func (o Options) Validate() error {
	if o.URL == "" {
		return model.NewClientError(model.KindConfig, model.ErrMissingURL)
	}
	if o.HeartbeatInterval < 0 {
		return model.NewClientError(model.KindConfig, fmt.Errorf("heartbeat interval must not be negative, got %s", o.HeartbeatInterval))
	}
	return nil
}

func (o Options) backoff() Backoff {
	return Backoff{
		Initial: o.ReconnectInterval,
		Max:     o.MaxReconnectInterval,
		Decay:   o.ReconnectDecay,
	}
}

// Option injects collaborators into the Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(c *Controller) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithMetrics shares a recorder with the caller, typically the client facade.
func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithFrameHandler receives every decoded event frame on the controller goroutine.
// Control frames (ping, pong) are consumed by the controller itself.
func WithFrameHandler(fn func(*model.IncomingMessage)) Option {
	return func(c *Controller) {
		c.onFrame = fn
	}
}
