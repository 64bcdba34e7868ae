package netbox

// State is the connection lifecycle state.
type State int32

const (
	StateInitial State = iota
	StateConnecting
	StateAuth
	StateFetchSchema
	StateActive
	StateErrorReconnect
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnecting:
		return "connecting"
	case StateAuth:
		return "auth"
	case StateFetchSchema:
		return "fetch_schema"
	case StateActive:
		return "active"
	case StateErrorReconnect:
		return "error_reconnect"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transition is possible.
func (s State) terminal() bool {
	return s == StateError || s == StateClosed
}

// canTransition is the transition table of the connection state machine.
// Closed is reachable from every non-terminal state.
func (s State) canTransition(to State) bool {
	if to == StateClosed {
		return !s.terminal()
	}

	switch s {
	case StateInitial:
		return to == StateConnecting
	case StateConnecting:
		return to == StateAuth || to == StateFetchSchema || to == StateActive || to == StateErrorReconnect
	case StateAuth:
		return to == StateFetchSchema || to == StateActive || to == StateErrorReconnect
	case StateFetchSchema:
		return to == StateActive || to == StateErrorReconnect
	case StateActive:
		return to == StateFetchSchema || to == StateErrorReconnect
	case StateErrorReconnect:
		return to == StateConnecting || to == StateError
	default:
		return false
	}
}
