// Package metrics holds the connection counters. It has no dependencies on the rest of the client.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/webitel/im-realtime-client/internal/domain/model"
)

// Recorder accumulates counters for the lifetime of the process. Safe for concurrent use.
type Recorder struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	errors           atomic.Uint64
	reconnects       atomic.Uint64
	latency          atomic.Int64 // [GAUGE] nanoseconds
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) RecordSent(bytes int) {
	r.messagesSent.Add(1)
	r.bytesSent.Add(uint64(max(bytes, 0)))
}

func (r *Recorder) RecordReceived(bytes int) {
	r.messagesReceived.Add(1)
	r.bytesReceived.Add(uint64(max(bytes, 0)))
}

func (r *Recorder) RecordError() {
	r.errors.Add(1)
}

func (r *Recorder) RecordReconnect() {
	r.reconnects.Add(1)
}

// SetLatency overwrites the gauge with the latest round-trip time.
func (r *Recorder) SetLatency(d time.Duration) {
	r.latency.Store(int64(d))
}

// Snapshot returns a consistent-enough copy for display; counters are read independently.
func (r *Recorder) Snapshot() model.ConnectionMetrics {
	return model.ConnectionMetrics{
		MessagesSent:     r.messagesSent.Load(),
		MessagesReceived: r.messagesReceived.Load(),
		BytesSent:        r.bytesSent.Load(),
		BytesReceived:    r.bytesReceived.Load(),
		Errors:           r.errors.Load(),
		Reconnects:       r.reconnects.Load(),
		Latency:          time.Duration(r.latency.Load()),
	}
}
