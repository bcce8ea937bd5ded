package model

import "time"

// ConnectionMetrics is a read-only snapshot of the client counters.
type ConnectionMetrics struct {
	MessagesSent     uint64        `json:"messages_sent"`
	MessagesReceived uint64        `json:"messages_received"`
	BytesSent        uint64        `json:"bytes_sent"`
	BytesReceived    uint64        `json:"bytes_received"`
	Errors           uint64        `json:"errors"`
	Reconnects       uint64        `json:"reconnects"`
	Latency          time.Duration `json:"latency"`
}

// LatencyMillis is the latency gauge in milliseconds, the unit operators read.
func (m ConnectionMetrics) LatencyMillis() int64 {
	return m.Latency.Milliseconds()
}
