package domain

// ConnectionState is the lifecycle of one backend connection attempt.
// Error and Closed are terminal; every attempt gets a fresh connection.
type ConnectionState int

const (
	StateInit ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s ConnectionState) Terminal() bool {
	return s == StateError || s == StateClosed
}

// MessageSink receives raw payloads forwarded by the pub/sub bridge.
type MessageSink interface {
	Send(payload []byte) error
}
