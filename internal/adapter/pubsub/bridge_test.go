package pubsub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/domain/registry"
)

type fakeSource struct {
	mu       sync.Mutex
	handlers map[model.ChannelID]registry.Handler
}

func (f *fakeSource) Subscribe(ch model.ChannelID, h registry.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[model.ChannelID]registry.Handler{}
	}
	f.handlers[ch] = h
	return func() {
		f.mu.Lock()
		delete(f.handlers, ch)
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) handler(ch model.ChannelID) registry.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[ch]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBridgeRepublishesFrames(t *testing.T) {
	ps, err := NewPubSub(Config{Driver: DriverGoChannel, Buffer: 8}, watermill.NopLogger{})
	require.NoError(t, err)
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := ps.Subscriber.Subscribe(ctx, TopicFor(model.ChannelChat))
	require.NoError(t, err)

	src := &fakeSource{}
	b, err := NewBridge(src, NewEventDispatcher(ps.Publisher), []string{"chat"}, 4, discardLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	require.Eventually(t, func() bool { return src.handler(model.ChannelChat) != nil }, time.Second, time.Millisecond)

	frame := &model.IncomingMessage{
		ID:       "c-1",
		Type:     "message",
		Channel:  model.ChannelChat,
		Payload:  json.RawMessage(`{"text":"hi"}`),
		Priority: model.PriorityHigh.Ptr(),
	}
	require.NoError(t, src.handler(model.ChannelChat)(frame))

	select {
	case msg := <-out:
		assert.Equal(t, "c-1", msg.UUID)
		assert.Equal(t, "chat", msg.Metadata.Get("channel"))
		assert.Equal(t, "message", msg.Metadata.Get("type"))
		assert.Equal(t, "2", msg.Metadata.Get("priority"))

		var got model.IncomingMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.JSONEq(t, `{"text":"hi"}`, string(got.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("frame not republished")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Nil(t, src.handler(model.ChannelChat), "bridge must unsubscribe on exit")
}

func TestBridgeRejectsUnknownChannel(t *testing.T) {
	_, err := NewBridge(&fakeSource{}, nil, []string{"chat", "billing"}, 0, nil)
	require.ErrorIs(t, err, model.ErrInvalidChannel)
	assert.Equal(t, model.KindConfig, model.KindOf(err))
}

func TestBridgeBackpressure(t *testing.T) {
	b, err := NewBridge(&fakeSource{}, nil, []string{"alerts"}, 1, discardLogger())
	require.NoError(t, err)

	frame := &model.IncomingMessage{ID: "a", Channel: model.ChannelAlerts}
	require.NoError(t, b.enqueue(frame))
	assert.ErrorIs(t, b.enqueue(frame), ErrBridgeBackpressure)
}

func TestNewPubSubValidatesDriver(t *testing.T) {
	_, err := NewPubSub(Config{Driver: "kafka"}, watermill.NopLogger{})
	assert.Error(t, err)

	_, err = NewPubSub(Config{Driver: DriverAMQP}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "amqp_url")
}

func TestDispatcherRejectsNil(t *testing.T) {
	ps, err := NewPubSub(Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer ps.Close()

	assert.Error(t, NewEventDispatcher(ps.Publisher).Publish(context.Background(), nil))
}
