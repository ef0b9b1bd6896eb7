// Package transport abstracts the bidirectional streaming connection a chat
// session runs over. The connection manager only sees the interfaces in this
// file; WebSocketDialer is the production implementation.
package transport

import (
	"context"
	"net/http"
	"time"
)

// Close codes used by the session layer (RFC 6455 section 7.4.1)
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseNoStatus      = 1005
	CloseAbnormal      = 1006
	CloseInternalError = 1011
)

// Options configures one transport instance. They are captured as part of
// the reconnect descriptor and reused verbatim on reconnect.
type Options struct {
	Header       http.Header
	Subprotocols []string
	// HandshakeTimeout bounds the open handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single frame write. Zero selects the default.
	WriteTimeout time.Duration
	// MaxMessageSize bounds a single inbound frame. Zero selects the default.
	MaxMessageSize int64
}

// Clone returns a deep copy of o
func (o Options) Clone() Options {
	c := o
	if o.Header != nil {
		c.Header = o.Header.Clone()
	}
	if o.Subprotocols != nil {
		c.Subprotocols = append([]string(nil), o.Subprotocols...)
	}
	return c
}

// Handler receives the events of one transport instance. Calls for a given
// transport are made from a single goroutine, in delivery order.
type Handler interface {
	// OnOpen is called once the handshake completes
	OnOpen()
	// OnMessage is called for each inbound text frame
	OnMessage(data []byte)
	// OnError reports a transport failure. OnClose usually follows.
	OnError(err error)
	// OnClose is called at most once, as the last call for the instance
	OnClose(code int, reason string)
}

// Transport is a handle to one connection instance
type Transport interface {
	// ID identifies the instance in logs
	ID() string
	// Send writes one text frame
	Send(data []byte) error
	// Close sends a close frame with code and reason and tears the
	// connection down. It is best-effort and safe to call more than once.
	Close(code int, reason string) error
}

// Dialer creates transport instances. Dial returns as soon as the instance
// exists; the handshake runs in the background and its outcome is reported
// through h. Dial never invokes h before returning.
type Dialer interface {
	Dial(ctx context.Context, url string, opts Options, h Handler) (Transport, error)
}
