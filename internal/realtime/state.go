package realtime

// State is the lifecycle position of a connection.
//
//	Connected -> Authenticating -> Authenticated -> Disconnected
//	Connected -> Disconnected
//	Authenticating -> Disconnected (credential rejected, timeout or transport close)
//
// Room membership is an attribute of Authenticated, not a state of its own.
type State int

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to State) bool {
	switch from {
	case StateConnected:
		return to == StateAuthenticating || to == StateDisconnected
	case StateAuthenticating:
		return to == StateAuthenticated || to == StateDisconnected
	case StateAuthenticated:
		return to == StateDisconnected
	default:
		return false
	}
}
