package registry

import "github.com/webitel/im-realtime-client/internal/domain/model"

type subscription struct {
	id      string
	handler Handler
}

// Cell holds the handlers of one channel in registration order.
// It is not synchronized on its own; the Hub lock guards it.
type Cell struct {
	channel model.ChannelID
	subs    []subscription
}

func NewCell(channel model.ChannelID) *Cell {
	return &Cell{channel: channel}
}

func (c *Cell) Attach(id string, h Handler) {
	c.subs = append(c.subs, subscription{id: id, handler: h})
}

// Detach removes id and reports whether the cell is now empty.
func (c *Cell) Detach(id string) bool {
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			break
		}
	}
	return len(c.subs) == 0
}

// Snapshot copies the handler list so dispatch runs without the lock,
// letting handlers subscribe or unsubscribe while a frame is delivered.
func (c *Cell) Snapshot() []subscription {
	return append([]subscription(nil), c.subs...)
}
