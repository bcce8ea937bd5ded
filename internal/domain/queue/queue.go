// Package queue holds outbound messages that cannot be sent yet and releases them
// in priority order once a connection is available.
//
// Ordering is CRITICAL > HIGH > NORMAL > LOW and FIFO inside one priority. The queue
// never grows beyond its configured size: when full, the oldest message of the lowest
// priority present is evicted, but only for a strictly higher-priority newcomer.
// CRITICAL messages are never evicted. Every mutation is mirrored to the store so a
// restart does not lose pending messages.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-client/infra/store"
	"github.com/webitel/im-realtime-client/internal/domain/model"
)

const (
	DefaultMaxSize    = 100
	DefaultMaxRetries = 3
	DefaultStorageKey = "realtime.queue"
)

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	buckets [model.PriorityCritical + 1][]model.QueuedMessage
	size    int

	store  store.Store
	config config
}

// New builds a queue and rehydrates it from st before returning,
// so no Enqueue can race the restored contents.
func New(ctx context.Context, st store.Store, opts ...Option) (*Queue, error) {
	if st == nil {
		st = store.NewMemory()
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	q := &Queue{store: st, config: cfg}
	if err := q.rehydrate(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) rehydrate(ctx context.Context) error {
	data, err := q.store.Get(ctx, q.config.storageKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: rehydrate: %w", err)
	}

	var items []model.QueuedMessage
	if err := json.Unmarshal(data, &items); err != nil {
		// [POISON_GUARD] A corrupt snapshot must not block startup; start empty and say so.
		q.report(model.NewClientError(model.KindStorage, fmt.Errorf("queue: discard corrupt snapshot: %w", err)))
		return nil
	}

	q.mu.Lock()
	for _, item := range items {
		if !item.Priority.Valid() {
			continue
		}
		q.admitLocked(item)
	}
	restored := q.size
	q.mu.Unlock()

	q.config.logger.Debug("QUEUE_REHYDRATED", "size", restored, "key", q.config.storageKey)
	return nil
}

// Enqueue admits msg with the given priority and returns the message id.
// It never blocks on the network; a rejected message returns ErrQueueFull.
func (q *Queue) Enqueue(msg model.OutgoingMessage, priority model.Priority) (string, error) {
	return q.EnqueueWithID(uuid.NewString(), msg, priority)
}

// EnqueueWithID is Enqueue for a message whose id was already handed to the caller.
func (q *Queue) EnqueueWithID(id string, msg model.OutgoingMessage, priority model.Priority) (string, error) {
	if !priority.Valid() {
		priority = model.PriorityNormal
	}

	raw, err := freezePayload(msg.Payload)
	if err != nil {
		return "", model.NewClientError(model.KindSend, fmt.Errorf("queue: encode payload: %w", err))
	}
	msg.Payload = raw
	msg.Priority = priority.Ptr()

	item := model.QueuedMessage{
		ID:         id,
		Message:    msg,
		Priority:   priority,
		EnqueuedAt: q.config.now(),
		MaxRetries: q.config.maxRetries,
	}
	return id, q.Add(item)
}

// Add admits a prepared item, keeping its id and retry count.
func (q *Queue) Add(item model.QueuedMessage) error {
	q.mu.Lock()
	evicted, ok := q.admitLocked(item)
	var err error
	if ok {
		err = q.persistLocked()
	}
	q.mu.Unlock()

	if !ok {
		return &model.ClientError{Kind: model.KindQueueFull, MessageID: item.ID, Channel: item.Message.Channel, Err: model.ErrQueueFull}
	}
	if evicted != nil {
		q.config.logger.Debug("QUEUE_EVICTED", "msg_id", evicted.ID, "priority", evicted.Priority.String())
	}
	q.reportStorage(err)
	return nil
}

// admitLocked applies the admission policy. It returns the evicted item, if any,
// and whether item was accepted.
func (q *Queue) admitLocked(item model.QueuedMessage) (*model.QueuedMessage, bool) {
	var evicted *model.QueuedMessage
	if q.size >= q.config.maxSize {
		lowest, found := q.lowestLocked()
		if !found || lowest >= item.Priority {
			return nil, false
		}
		victim := q.buckets[lowest][0]
		q.buckets[lowest] = q.buckets[lowest][1:]
		q.size--
		evicted = &victim
	}

	q.buckets[item.Priority] = append(q.buckets[item.Priority], item)
	q.size++
	return evicted, true
}

func (q *Queue) lowestLocked() (model.Priority, bool) {
	for p := model.PriorityLow; p <= model.PriorityCritical; p++ {
		if len(q.buckets[p]) > 0 {
			return p, true
		}
	}
	return 0, false
}

// Next returns the next message to attempt without removing it.
func (q *Queue) Next() (model.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range model.Priorities {
		if len(q.buckets[p]) > 0 {
			return q.buckets[p][0], true
		}
	}
	return model.QueuedMessage{}, false
}

// Remove deletes a delivered message. Unknown ids are ignored.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	_, ok := q.takeLocked(id)
	var err error
	if ok {
		err = q.persistLocked()
	}
	q.mu.Unlock()

	q.reportStorage(err)
	return ok
}

// Fail records a failed delivery attempt. Once a message has been retried more than its
// MaxRetries it is removed and a delivery error wrapping ErrMaxRetries is returned.
func (q *Queue) Fail(id string) error {
	q.mu.Lock()
	var (
		dropped    *model.QueuedMessage
		found      bool
		persistErr error
	)
	for p := range q.buckets {
		for i := range q.buckets[p] {
			item := &q.buckets[p][i]
			if item.ID != id {
				continue
			}
			found = true
			item.Retries++
			if item.Retries > item.MaxRetries {
				victim, _ := q.takeLocked(id)
				dropped = &victim
			}
			break
		}
		if found {
			break
		}
	}
	if found {
		persistErr = q.persistLocked()
	}
	q.mu.Unlock()

	q.reportStorage(persistErr)
	if dropped == nil {
		return nil
	}
	return &model.ClientError{
		Kind:      model.KindDelivery,
		MessageID: dropped.ID,
		Channel:   dropped.Message.Channel,
		Err:       fmt.Errorf("%w after %d attempts", model.ErrMaxRetries, dropped.Retries),
	}
}

func (q *Queue) takeLocked(id string) (model.QueuedMessage, bool) {
	for p := range q.buckets {
		for i, item := range q.buckets[p] {
			if item.ID == id {
				q.buckets[p] = append(q.buckets[p][:i:i], q.buckets[p][i+1:]...)
				q.size--
				return item, true
			}
		}
	}
	return model.QueuedMessage{}, false
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// PeekByPriority returns a copy of the messages waiting at priority p, oldest first.
func (q *Queue) PeekByPriority(p model.Priority) []model.QueuedMessage {
	if !p.Valid() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.QueuedMessage(nil), q.buckets[p]...)
}

// Snapshot returns every queued message in drain order.
func (q *Queue) Snapshot() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []model.QueuedMessage {
	out := make([]model.QueuedMessage, 0, q.size)
	for _, p := range model.Priorities {
		out = append(out, q.buckets[p]...)
	}
	return out
}

// persistLocked mirrors the queue to the store while the lock is held,
// so snapshots reach the store in mutation order.
func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.snapshotLocked())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.config.persistTimeout)
	defer cancel()
	return q.store.Set(ctx, q.config.storageKey, data)
}

func (q *Queue) reportStorage(err error) {
	if err == nil {
		return
	}
	q.report(model.NewClientError(model.KindStorage, fmt.Errorf("queue: persist: %w", err)))
}

func (q *Queue) report(err error) {
	q.config.logger.Warn("QUEUE_STORAGE_FAILED", "err", err)
	if q.config.onError != nil {
		q.config.onError(err)
	}
}

// freezePayload encodes the payload once at admission, so what is persisted and
// later written to the wire is exactly what the caller handed over.
func freezePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if p == nil {
			return json.RawMessage("null"), nil
		}
		return p, nil
	case nil:
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

type config struct {
	maxSize        int
	maxRetries     int
	storageKey     string
	persistTimeout time.Duration
	logger         *slog.Logger
	onError        func(error)
	now            func() time.Time
}

func defaultConfig() config {
	return config{
		maxSize:        DefaultMaxSize,
		maxRetries:     DefaultMaxRetries,
		storageKey:     DefaultStorageKey,
		persistTimeout: 5 * time.Second,
		logger:         slog.Default(),
		now:            time.Now,
	}
}
