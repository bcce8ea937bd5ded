package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-client/infra/store"
	"github.com/webitel/im-realtime-client/internal/domain/model"
)

func newQueue(t *testing.T, st store.Store, opts ...Option) *Queue {
	t.Helper()
	q, err := New(context.Background(), st, opts...)
	require.NoError(t, err)
	return q
}

func chat(text string) model.OutgoingMessage {
	return model.OutgoingMessage{
		Type:    "message",
		Channel: model.ChannelChat,
		Payload: map[string]string{"text": text},
	}
}

func drain(q *Queue) []model.Priority {
	var out []model.Priority
	for {
		item, ok := q.Next()
		if !ok {
			return out
		}
		q.Remove(item.ID)
		out = append(out, item.Priority)
	}
}

func TestDrainOrderFollowsPriority(t *testing.T) {
	q := newQueue(t, nil)

	for _, p := range []model.Priority{model.PriorityLow, model.PriorityCritical, model.PriorityNormal} {
		_, err := q.Enqueue(chat(p.String()), p)
		require.NoError(t, err)
	}

	assert.Equal(t,
		[]model.Priority{model.PriorityCritical, model.PriorityNormal, model.PriorityLow},
		drain(q),
	)
	assert.Zero(t, q.Size())
}

func TestFIFOWithinPriority(t *testing.T) {
	q := newQueue(t, nil)

	first, err := q.Enqueue(chat("a"), model.PriorityHigh)
	require.NoError(t, err)
	second, err := q.Enqueue(chat("b"), model.PriorityHigh)
	require.NoError(t, err)

	peek := q.PeekByPriority(model.PriorityHigh)
	require.Len(t, peek, 2)
	assert.Equal(t, first, peek[0].ID)
	assert.Equal(t, second, peek[1].ID)
	assert.Empty(t, q.PeekByPriority(model.PriorityLow))
	assert.Nil(t, q.PeekByPriority(model.Priority(9)))
}

func TestEvictsLowestPriorityWhenFull(t *testing.T) {
	q := newQueue(t, nil, WithMaxSize(2))

	_, err := q.Enqueue(chat("low"), model.PriorityLow)
	require.NoError(t, err)
	_, err = q.Enqueue(chat("normal"), model.PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue(chat("high"), model.PriorityHigh)
	require.NoError(t, err)

	assert.Equal(t, 2, q.Size())
	assert.Empty(t, q.PeekByPriority(model.PriorityLow))
	assert.Equal(t, []model.Priority{model.PriorityHigh, model.PriorityNormal}, drain(q))
}

func TestRejectsWhenNewcomerIsNotHigher(t *testing.T) {
	q := newQueue(t, nil, WithMaxSize(2))

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(chat("c"), model.PriorityCritical)
		require.NoError(t, err)
	}

	_, err := q.Enqueue(chat("late"), model.PriorityCritical)
	require.ErrorIs(t, err, model.ErrQueueFull)
	assert.Equal(t, model.KindQueueFull, model.KindOf(err))

	_, err = q.Enqueue(chat("low"), model.PriorityLow)
	require.ErrorIs(t, err, model.ErrQueueFull)
	assert.Equal(t, 2, q.Size())
}

func TestCriticalNeverEvicted(t *testing.T) {
	const maxSize = 16
	rng := rand.New(rand.NewPCG(1, 2))
	q := newQueue(t, nil, WithMaxSize(maxSize))

	accepted := map[string]bool{}
	for i := 0; i < 500; i++ {
		p := model.Priorities[rng.IntN(len(model.Priorities))]
		id, err := q.Enqueue(chat("x"), p)
		if err != nil {
			require.ErrorIs(t, err, model.ErrQueueFull)
			continue
		}
		if p == model.PriorityCritical {
			accepted[id] = true
		}
		require.LessOrEqual(t, q.Size(), maxSize)
	}

	present := map[string]bool{}
	for _, item := range q.PeekByPriority(model.PriorityCritical) {
		present[item.ID] = true
	}
	for id := range accepted {
		assert.True(t, present[id], "critical message %s was evicted", id)
	}
}

func TestDefaultPriorityIsNormal(t *testing.T) {
	q := newQueue(t, nil)

	_, err := q.Enqueue(chat("x"), model.Priority(42))
	require.NoError(t, err)

	item, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, model.PriorityNormal, item.Priority)
	assert.Equal(t, model.PriorityNormal, item.Message.EffectivePriority())
}

func TestFailDropsAfterMaxRetries(t *testing.T) {
	q := newQueue(t, nil, WithMaxRetries(2))

	id, err := q.Enqueue(chat("x"), model.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, q.Fail(id))
	require.NoError(t, q.Fail(id))
	item, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, 2, item.Retries)

	err = q.Fail(id)
	require.ErrorIs(t, err, model.ErrMaxRetries)
	assert.Equal(t, model.KindDelivery, model.KindOf(err))
	assert.Zero(t, q.Size())

	assert.NoError(t, q.Fail("missing"))
}

func TestPersistAndRehydrate(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q := newQueue(t, st, WithClock(func() time.Time { return now }))

	raw := json.RawMessage(`{"text":"hi","n":[1,2,3]}`)
	id, err := q.Enqueue(model.OutgoingMessage{Type: "message", Channel: model.ChannelChat, Payload: raw}, model.PriorityHigh)
	require.NoError(t, err)
	lowID, err := q.Enqueue(chat("later"), model.PriorityLow)
	require.NoError(t, err)

	restored := newQueue(t, st)
	require.Equal(t, 2, restored.Size())

	item, ok := restored.Next()
	require.True(t, ok)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, model.PriorityHigh, item.Priority)
	assert.True(t, now.Equal(item.EnqueuedAt))
	assert.Equal(t, raw, item.Message.Payload)

	frame, err := json.Marshal(item.Frame(now))
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"payload":{"text":"hi","n":[1,2,3]}`)

	require.True(t, restored.Remove(id))
	reloaded := newQueue(t, st)
	peek := reloaded.PeekByPriority(model.PriorityLow)
	require.Len(t, peek, 1)
	assert.Equal(t, lowID, peek[0].ID)
}

func TestCorruptSnapshotIsDiscarded(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Set(context.Background(), DefaultStorageKey, []byte("{not json")))

	var reported []error
	q := newQueue(t, st, WithErrorHandler(func(err error) { reported = append(reported, err) }))

	assert.Zero(t, q.Size())
	require.Len(t, reported, 1)
	assert.Equal(t, model.KindStorage, model.KindOf(reported[0]))
}

type brokenStore struct {
	*store.Memory
}

func (brokenStore) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestStorageFailureKeepsQueueInMemory(t *testing.T) {
	var reported []error
	q := newQueue(t, brokenStore{store.NewMemory()}, WithErrorHandler(func(err error) { reported = append(reported, err) }))

	id, err := q.Enqueue(chat("x"), model.PriorityNormal)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, q.Size())
	require.Len(t, reported, 1)
	assert.Equal(t, model.KindStorage, model.KindOf(reported[0]))
}

func TestUnencodablePayload(t *testing.T) {
	q := newQueue(t, nil)

	_, err := q.Enqueue(model.OutgoingMessage{Type: "x", Payload: make(chan int)}, model.PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, model.KindSend, model.KindOf(err))
	assert.Zero(t, q.Size())
}
