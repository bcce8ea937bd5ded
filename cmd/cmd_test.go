package cmd

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/domain/registry"
)

// stubRealtime connects on demand and drains its queue shortly after. With
// drop set the queue still empties, but the message is reported as given up
// and the report only reaches listeners on the next Flush.
type stubRealtime struct {
	mu        sync.Mutex
	state     model.ConnectionState
	queued    int
	stuck     bool
	drop      bool
	pending   []error
	listeners []func(model.StateChange)
	errs      []func(error)
}

func (s *stubRealtime) Connect(string) error {
	go func() {
		s.mu.Lock()
		s.state = model.StateConnected
		if !s.stuck {
			s.queued = 0
		}
		if s.drop {
			s.pending = append(s.pending, &model.ClientError{
				Kind:      model.KindDelivery,
				MessageID: "msg-1",
				Err:       model.ErrMaxRetries,
			})
		}
		ls := slices.Clone(s.listeners)
		s.mu.Unlock()
		for _, fn := range ls {
			fn(model.StateChange{From: model.StateConnecting, To: model.StateConnected})
		}
	}()
	return nil
}

func (s *stubRealtime) Disconnect() {}

func (s *stubRealtime) Send(model.OutgoingMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued++
	return "msg-1", nil
}

func (s *stubRealtime) Subscribe(model.ChannelID, registry.Handler) (func(), error) {
	return func() {}, nil
}

func (s *stubRealtime) OnError(fn func(error)) func() {
	s.mu.Lock()
	s.errs = append(s.errs, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *stubRealtime) Flush(context.Context) error {
	s.mu.Lock()
	pending, fns := s.pending, slices.Clone(s.errs)
	s.pending = nil
	s.mu.Unlock()
	for _, err := range pending {
		for _, fn := range fns {
			fn(err)
		}
	}
	return nil
}

func (s *stubRealtime) OnStateChange(fn func(model.StateChange)) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *stubRealtime) Metrics() model.ConnectionMetrics { return model.ConnectionMetrics{} }

func (s *stubRealtime) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubRealtime) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *stubRealtime) Close() error { return nil }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSendOnceWaitsForDrain(t *testing.T) {
	rt := &stubRealtime{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, SendOnce(ctx, rt, "token", model.OutgoingMessage{Type: "message"}, discard))
	assert.Zero(t, rt.QueueSize())
}

func TestSendOnceTimesOut(t *testing.T) {
	rt := &stubRealtime{stuck: true}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := SendOnce(ctx, rt, "token", model.OutgoingMessage{Type: "message"}, discard)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, rt.QueueSize())
}

func TestSendOnceFailsWhenMessageIsDropped(t *testing.T) {
	rt := &stubRealtime{drop: true}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := SendOnce(ctx, rt, "token", model.OutgoingMessage{Type: "message"}, discard)
	require.ErrorIs(t, err, model.ErrMaxRetries)
	assert.Contains(t, err.Error(), "msg-1")
	assert.Zero(t, rt.QueueSize())
}
