/*
Package registry demultiplexes inbound frames to the handlers subscribed to their channel.

Key Architectural Concepts:
  - Channel Cells: every channel with at least one subscriber is represented by a Cell
    holding its handlers in registration order. Empty cells are reclaimed immediately.
  - Fault Isolation: a handler that returns an error or panics is reported through the
    error sink; the remaining handlers of the same frame still run.
  - At-most-once: frames are not buffered. A frame for a channel nobody listens to is
    dropped, and an optional LRU window suppresses frames whose id was already seen.
*/
package registry

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-realtime-client/internal/domain/model"
)

// Handler consumes one inbound frame. A returned error is reported, never retried.
type Handler func(msg *model.IncomingMessage) error

// Router defines the gateway between the connection and application handlers.
type Router interface {
	Subscribe(channel model.ChannelID, h Handler) (string, error)
	Unsubscribe(id string) bool
	Dispatch(msg *model.IncomingMessage)
	Channels() []model.ChannelID
}

var _ Router = (*Hub)(nil)

// Hub implements Router with one Cell per active channel.
type Hub struct {
	mu    sync.RWMutex
	cells map[model.ChannelID]*Cell
	// [REVERSE_INDEX] subscription id -> channel, for O(1) unsubscribe lookup.
	index map[string]model.ChannelID

	seen   *lru.Cache[string, struct{}]
	config config
}

func NewHub(opts ...Option) *Hub {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Hub{
		cells:  make(map[model.ChannelID]*Cell),
		index:  make(map[string]model.ChannelID),
		config: cfg,
	}
	if cfg.dedupSize > 0 {
		// lru.New only fails on a non-positive size.
		h.seen, _ = lru.New[string, struct{}](cfg.dedupSize)
	}
	return h
}

// Subscribe registers h for channel and returns the subscription id.
func (h *Hub) Subscribe(channel model.ChannelID, handler Handler) (string, error) {
	if !channel.Valid() {
		return "", &model.ClientError{Kind: model.KindConfig, Channel: channel, Err: model.ErrInvalidChannel}
	}
	if handler == nil {
		return "", &model.ClientError{Kind: model.KindConfig, Channel: channel, Err: model.ErrNilHandler}
	}

	id := uuid.NewString()

	h.mu.Lock()
	cell, ok := h.cells[channel]
	if !ok {
		// [LAZY_INIT] Create the cell only when the first subscriber arrives.
		cell = NewCell(channel)
		h.cells[channel] = cell
	}
	cell.Attach(id, handler)
	h.index[id] = channel
	h.mu.Unlock()

	h.config.logger.Debug("SUBSCRIBED", "channel", channel, "sub_id", id)
	if !ok && h.config.onActive != nil {
		h.config.onActive(channel)
	}
	return id, nil
}

// Unsubscribe removes a subscription. Unknown or already removed ids are ignored.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	channel, ok := h.index[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.index, id)

	idle := false
	if cell, found := h.cells[channel]; found && cell.Detach(id) {
		// [GRACEFUL_RECLAMATION] Last handler gone, drop the cell.
		delete(h.cells, channel)
		idle = true
	}
	h.mu.Unlock()

	h.config.logger.Debug("UNSUBSCRIBED", "channel", channel, "sub_id", id)
	if idle && h.config.onIdle != nil {
		h.config.onIdle(channel)
	}
	return true
}

// Dispatch invokes every handler of msg's channel in registration order on the caller's goroutine.
func (h *Hub) Dispatch(msg *model.IncomingMessage) {
	if msg == nil {
		return
	}

	if h.seen != nil && msg.ID != "" {
		if dup, _ := h.seen.ContainsOrAdd(msg.ID, struct{}{}); dup {
			h.config.logger.Debug("DUPLICATE_DROPPED", "msg_id", msg.ID, "channel", msg.Channel)
			return
		}
	}

	h.mu.RLock()
	cell, ok := h.cells[msg.Channel]
	var handlers []subscription
	if ok {
		handlers = cell.Snapshot()
	}
	h.mu.RUnlock()

	if len(handlers) == 0 {
		h.config.logger.Debug("NO_SUBSCRIBERS", "msg_id", msg.ID, "channel", msg.Channel)
		return
	}

	for _, sub := range handlers {
		if err := h.invoke(sub, msg); err != nil {
			h.config.logger.Warn("HANDLER_FAILED", "sub_id", sub.id, "msg_id", msg.ID, "channel", msg.Channel, "err", err)
			if h.config.onError != nil {
				h.config.onError(err)
			}
		}
	}
}

func (h *Hub) invoke(sub subscription, msg *model.IncomingMessage) (err error) {
	// [PANIC_RECOVERY] One broken handler must not starve the others.
	defer func() {
		if r := recover(); r != nil {
			h.config.logger.Error("PANIC_RECOVERED",
				"err", r,
				"stack", string(debug.Stack()),
				"msg_id", msg.ID)
			err = &model.ClientError{Kind: model.KindHandler, MessageID: msg.ID, Channel: msg.Channel, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	if herr := sub.handler(msg); herr != nil {
		return &model.ClientError{Kind: model.KindHandler, MessageID: msg.ID, Channel: msg.Channel, Err: herr}
	}
	return nil
}

// Channels lists channels with at least one subscriber, in canonical order.
func (h *Hub) Channels() []model.ChannelID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]model.ChannelID, 0, len(h.cells))
	for _, ch := range model.Channels {
		if _, ok := h.cells[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.index)
}

// Shutdown drops every subscription without firing idle hooks.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.cells = make(map[model.ChannelID]*Cell)
	h.index = make(map[string]model.ChannelID)
	h.mu.Unlock()
	if h.seen != nil {
		h.seen.Purge()
	}
}
