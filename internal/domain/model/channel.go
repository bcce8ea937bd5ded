package model

import (
	"fmt"
	"strings"
)

// Priority orders both queue drain and eviction. Wire values are LOW=0 .. CRITICAL=3.
type Priority int8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Priorities lists every priority from the highest to the lowest (drain order).
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int8(p))
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Ptr returns a pointer to a copy of p, handy for optional message fields.
func (p Priority) Ptr() *Priority {
	return &p
}

// ParsePriority accepts the priority name (any case) as used in config and CLI flags.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// ChannelID is the routing key carried by every frame.
type ChannelID string

const (
	ChannelIncidents ChannelID = "incidents"
	ChannelAgents    ChannelID = "agents"
	ChannelChat      ChannelID = "chat"
	ChannelAlerts    ChannelID = "alerts"
	ChannelActivity  ChannelID = "activity"
	ChannelSystem    ChannelID = "system"
)

// Channels is the closed set of known channels.
var Channels = []ChannelID{
	ChannelIncidents,
	ChannelAgents,
	ChannelChat,
	ChannelAlerts,
	ChannelActivity,
	ChannelSystem,
}

func (c ChannelID) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// ParseChannel validates a channel name coming from configuration or the wire.
func ParseChannel(s string) (ChannelID, error) {
	c := ChannelID(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return c, nil
}

// System channel reserved message types.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)
