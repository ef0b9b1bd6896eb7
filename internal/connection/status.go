package connection

// Status is the connection state of a session
type Status int

const (
	// StatusClosed indicates no transport is active. It is the initial state.
	StatusClosed Status = iota
	// StatusConnecting indicates the open handshake is in flight
	StatusConnecting
	// StatusOpen indicates the transport acknowledged the open and frames flow
	StatusOpen
	// StatusError indicates the transport reported a failure
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// canOpen reports whether Open is legal from s
func (s Status) canOpen() bool {
	return s == StatusClosed || s == StatusError
}
