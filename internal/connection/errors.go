package connection

import (
	"errors"
	"fmt"
)

// Kind classifies session errors
type Kind int

const (
	// KindUsage is a call made in the wrong state; returned synchronously
	KindUsage Kind = iota + 1
	// KindTransport is a socket-level failure; carried on status events
	KindTransport
	// KindProtocol is a malformed inbound frame; the frame is dropped
	KindProtocol
	// KindAbnormalClosure is a close with a code other than 1000
	KindAbnormalClosure
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAbnormalClosure:
		return "abnormal_closure"
	default:
		return "unknown"
	}
}

// Usage error causes
var (
	ErrNotConnected      = errors.New("not connected")
	ErrNoDescriptor      = errors.New("no reconnect information available")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyClosed     = errors.New("connection already closed")
	ErrShutdown          = errors.New("connection manager shut down")
)

// Error is a classified session error
type Error struct {
	Kind Kind
	// Op is the operation that failed (open, send, close, reconnect, decode, transport)
	Op string
	// Code and Reason are set for KindAbnormalClosure
	Code   int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindAbnormalClosure:
		msg = fmt.Sprintf("[%s] connection closed unexpectedly (code %d)", e.Kind, e.Code)
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
	default:
		msg = fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewUsageError wraps cause as a KindUsage error for op
func NewUsageError(op string, cause error) *Error {
	return &Error{Kind: KindUsage, Op: op, Err: cause}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsUsage reports whether err is a usage error
func IsUsage(err error) bool {
	return KindOf(err) == KindUsage
}
