package broker

// State is the lifecycle state of a Connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StateListener receives connection state change notifications
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
}
