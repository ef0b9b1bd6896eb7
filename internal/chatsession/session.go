// Package chatsession is the entry point for joining a chat room. A Session
// owns one connection manager and the state it feeds; callers join, send,
// reconnect and leave through it and observe changes with Subscribe.
package chatsession

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/codefionn/roomchat/internal/connection"
	"github.com/codefionn/roomchat/internal/logger"
	"github.com/codefionn/roomchat/internal/protocol"
	"github.com/codefionn/roomchat/internal/store"
	"github.com/codefionn/roomchat/internal/transport"
)

// DefaultBaseURL is the server used when no base URL is given
const DefaultBaseURL = "http://localhost:3000"

// Usage error causes specific to sessions
var (
	ErrIncompleteIdentity = errors.New("identity requires a user id and a username")
	ErrEmptyRoom          = errors.New("room id is required")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrSessionLeft        = errors.New("session has been left")
)

// Event and Status are the connection types a session reports
type (
	Event  = connection.Event
	Status = connection.Status
)

// Identity is who the session joins as
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Validate checks that both fields are set
func (id Identity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" || strings.TrimSpace(id.Username) == "" {
		return ErrIncompleteIdentity
	}
	return nil
}

type options struct {
	baseURL     string
	dialer      transport.Dialer
	log         *logger.Logger
	ctx         context.Context
	transport   transport.Options
	subscribers []func(Event)
}

// Option configures Join
type Option func(*options)

// WithBaseURL sets the server, e.g. https://chat.example.com
func WithBaseURL(base string) Option {
	return func(o *options) { o.baseURL = base }
}

// WithDialer replaces the websocket dialer
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLogger sets the logger for the session and its connection
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithContext bounds every dial the session makes
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithTransportOptions sets headers, timeouts and limits for the socket
func WithTransportOptions(opts transport.Options) Option {
	return func(o *options) { o.transport = opts.Clone() }
}

// WithSubscriber registers fn before the first status transition, so it also
// sees Connecting
func WithSubscriber(fn func(Event)) Option {
	return func(o *options) {
		if fn != nil {
			o.subscribers = append(o.subscribers, fn)
		}
	}
}

// Session is one joined room
type Session struct {
	room     string
	identity Identity
	url      string
	log      *logger.Logger
	mgr      *connection.Manager

	mu   sync.Mutex
	left bool
}

// JoinURL builds the socket address for room on the server at base. http
// becomes ws and https becomes wss; ws and wss are kept.
func JoinURL(base, room string, id Identity) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server url has no host")
	}

	u = u.JoinPath("ws", "join", url.PathEscape(room))
	u.RawQuery = url.Values{
		"userId":   []string{id.UserID},
		"username": []string{id.Username},
	}.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// Join validates its arguments, then opens the connection. It returns once
// the handshake is started; Subscribe or WithSubscriber reports when the
// session is open.
func Join(room string, id Identity, opts ...Option) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, connection.NewUsageError("join", err)
	}
	if strings.TrimSpace(room) == "" {
		return nil, connection.NewUsageError("join", ErrEmptyRoom)
	}

	o := options{baseURL: DefaultBaseURL, ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global()
	}
	if o.dialer == nil {
		o.dialer = transport.NewWebSocketDialer(o.log)
	}

	joinURL, err := JoinURL(o.baseURL, room, id)
	if err != nil {
		return nil, connection.NewUsageError("join", err)
	}

	s := &Session{
		room:     room,
		identity: id,
		url:      joinURL,
		log:      o.log.WithPrefix("session"),
		mgr: connection.NewManager(o.dialer, id.Username,
			connection.WithLogger(o.log),
			connection.WithContext(o.ctx)),
	}
	for _, fn := range o.subscribers {
		s.mgr.Subscribe(fn)
	}

	s.log.Info("joining room %s as %s", room, id.Username)
	if err := s.mgr.Open(joinURL, o.transport); err != nil {
		s.mgr.Shutdown()
		return nil, err
	}
	return s, nil
}

// Room returns the room id
func (s *Session) Room() string {
	return s.room
}

// Identity returns who the session joined as
func (s *Session) Identity() Identity {
	return s.identity
}

// URL returns the socket address of the session
func (s *Session) URL() string {
	return s.url
}

// Status returns the connection status
func (s *Session) Status() Status {
	return s.mgr.Status()
}

// Snapshot returns the messages and presence seen so far
func (s *Session) Snapshot() store.Snapshot {
	return s.mgr.Snapshot()
}

// Subscribe registers fn for every later event and returns a function that
// removes it. fn runs on the session's dispatcher goroutine, one event at a
// time, and may call back into the session.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return func() {}
	}
	return s.mgr.Subscribe(fn)
}

// SendMessage sends text to the room. Blank text is rejected without
// touching the connection; sending requires an open connection.
func (s *Session) SendMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.left {
		return connection.NewUsageError("send", ErrSessionLeft)
	}
	if strings.TrimSpace(text) == "" {
		return connection.NewUsageError("send", ErrEmptyMessage)
	}
	return s.mgr.Send(protocol.Encode(text))
}

// Reconnect reopens the connection with the address of the last successful
// open. Without one it fails and the status stays as it is.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.left {
		return connection.NewUsageError("reconnect", ErrSessionLeft)
	}
	return s.mgr.Reconnect()
}

// Leave closes the connection normally and discards the session state.
// Every later call fails with ErrSessionLeft.
func (s *Session) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.left {
		return connection.NewUsageError("leave", ErrSessionLeft)
	}
	s.left = true
	s.log.Info("leaving room %s", s.room)
	s.mgr.Shutdown()
	return nil
}

// Done is closed after Leave once every pending event was delivered
func (s *Session) Done() <-chan struct{} {
	return s.mgr.Done()
}
