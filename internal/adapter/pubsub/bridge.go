package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/domain/registry"
	"golang.org/x/sync/errgroup"
)

// DefaultBuffer is the number of frames held between the socket and the bus.
const DefaultBuffer = 256

var ErrBridgeBackpressure = errors.New("bridge: buffer full, frame dropped")

// Source is the subscription surface of the realtime client.
type Source interface {
	Subscribe(channel model.ChannelID, h registry.Handler) (func(), error)
}

// Bridge republishes frames of selected channels to the bus.
//
// Frames are handed over through a bounded buffer so a slow broker never stalls
// the connection goroutine; when the buffer is full the frame is dropped and the
// handler error is reported like any other.
type Bridge struct {
	source     Source
	dispatcher EventDispatcher
	channels   []model.ChannelID
	logger     *slog.Logger

	buffer chan *model.IncomingMessage

	mu          sync.Mutex
	unsubscribe []func()
}

// NewBridge validates channels up front; an unknown channel is a configuration error.
func NewBridge(source Source, dispatcher EventDispatcher, channels []string, buffer int, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	parsed := make([]model.ChannelID, 0, len(channels))
	for _, name := range channels {
		ch, err := model.ParseChannel(name)
		if err != nil {
			return nil, model.NewClientError(model.KindConfig, fmt.Errorf("bridge: %w", err))
		}
		parsed = append(parsed, ch)
	}

	return &Bridge{
		source:     source,
		dispatcher: dispatcher,
		channels:   parsed,
		logger:     logger,
		buffer:     make(chan *model.IncomingMessage, buffer),
	}, nil
}

// Run subscribes to the configured channels and publishes until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.attach(); err != nil {
		return err
	}
	defer b.detach()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.pump(gCtx)
	})

	b.logger.Info("BRIDGE_READY", "channels", b.channels)
	return g.Wait()
}

func (b *Bridge) attach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.channels {
		unsubscribe, err := b.source.Subscribe(ch, b.enqueue)
		if err != nil {
			for _, fn := range b.unsubscribe {
				fn()
			}
			b.unsubscribe = nil
			return fmt.Errorf("bridge: subscribe %s: %w", ch, err)
		}
		b.unsubscribe = append(b.unsubscribe, unsubscribe)
	}
	return nil
}

func (b *Bridge) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fn := range b.unsubscribe {
		fn()
	}
	b.unsubscribe = nil
}

// enqueue runs on the connection goroutine and never blocks.
func (b *Bridge) enqueue(msg *model.IncomingMessage) error {
	select {
	case b.buffer <- msg:
		return nil
	default:
		return ErrBridgeBackpressure
	}
}

func (b *Bridge) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.buffer:
			if err := b.dispatcher.Publish(ctx, msg); err != nil {
				// [AT_MOST_ONCE] The bus is a best-effort mirror of the socket.
				b.logger.Warn("BRIDGE_PUBLISH_FAILED", "msg_id", msg.ID, "channel", msg.Channel, "err", err)
				continue
			}
			b.logger.Debug("BRIDGE_PUBLISHED", "msg_id", msg.ID, "topic", TopicFor(msg.Channel))
		}
	}
}
