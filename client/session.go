package client

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateRenewing
	StateReconnecting
	StateGivenUp
	StateClosed
)

var stateNames = map[State]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateActive:         "active",
	StateRenewing:       "renewing",
	StateReconnecting:   "reconnecting",
	StateGivenUp:        "given up",
	StateClosed:         "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return "unknown"
}

// canSend is true in the states where authenticated commands may be sent.
func (s State) canSend() bool {
	return s == StateActive || s == StateRenewing
}

// Session holds the credentials the engine issued. ClientID and ClientHash
// change on every renewal and reconnect.
type Session struct {
	AppKey            string
	ClientID          string
	ClientHash        string
	Authenticated     bool
	ReconnectAttempts int
}
