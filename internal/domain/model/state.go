package model

// ConnectionState is owned exclusively by the connection controller.
type ConnectionState int32

const (
	// [ZERO_VALUE_GUARD] An unconfigured controller reads as disconnected.
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// [TRANSITION_TABLE]
// Every edge the controller may take. Disconnect is reachable from any state
// and is handled separately in CanTransition.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError},
	StateConnected:    {StateReconnecting},
	StateError:        {StateReconnecting},
	StateReconnecting: {StateConnecting},
}

// CanTransition reports whether from -> to is a legal edge of the connection state machine.
func CanTransition(from, to ConnectionState) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChange is delivered to state listeners on every transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	// Err is the failure that caused the transition, if any.
	Err error
}
