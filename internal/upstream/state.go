package upstream

// State tracks the link lifecycle.
type State int32

const (
	// StateIdle is the initial state before Run is called.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateAuthenticating means the socket is open and the credential sent.
	StateAuthenticating
	// StateReady means the upstream confirmed authentication.
	StateReady
	// StateDegraded means the socket dropped and reconnects remain.
	StateDegraded
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
