// Package connection owns the connection state machine of a chat session.
//
// A Manager holds at most one live transport. Every transport it dials gets a
// handler bound to a generation number; callbacks from a transport that has
// since been closed or replaced are dropped. Subscribers are notified from a
// single goroutine in the order changes happened.
package connection

import (
	"context"
	"sync"

	"github.com/codefionn/roomchat/internal/logger"
	"github.com/codefionn/roomchat/internal/protocol"
	"github.com/codefionn/roomchat/internal/store"
	"github.com/codefionn/roomchat/internal/transport"
)

// Close reasons used by the manager
const (
	ReasonNormal       = "Normal closure"
	ReasonReconnecting = "Reconnecting"
)

// Descriptor is everything needed to open the same connection again
type Descriptor struct {
	URL     string
	Options transport.Options
}

// Manager drives one session's transport through Closed, Connecting, Open and
// Error and feeds decoded frames into the session store
type Manager struct {
	dialer    transport.Dialer
	localUser string
	log       *logger.Logger
	ctx       context.Context

	mu         sync.Mutex
	status     Status
	gen        uint64
	tr         transport.Transport
	candidate  *Descriptor
	descriptor *Descriptor
	store      *store.Store
	shutdown   bool

	notify *notifier
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger; the default is the global logger
func WithLogger(l *logger.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithContext sets the context passed to every Dial
func WithContext(ctx context.Context) ManagerOption {
	return func(m *Manager) {
		if ctx != nil {
			m.ctx = ctx
		}
	}
}

// NewManager creates a manager in StatusClosed. localUsername decides the
// direction of appended chat messages.
func NewManager(dialer transport.Dialer, localUsername string, opts ...ManagerOption) *Manager {
	m := &Manager{
		dialer:    dialer,
		localUser: localUsername,
		log:       logger.Global(),
		ctx:       context.Background(),
		status:    StatusClosed,
		store:     store.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithPrefix("conn")
	m.notify = newNotifier()
	return m
}

// Status returns the current status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Descriptor returns the reconnect descriptor committed by the last
// successful open
func (m *Manager) Descriptor() (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.descriptor == nil {
		return Descriptor{}, false
	}
	return Descriptor{URL: m.descriptor.URL, Options: m.descriptor.Options.Clone()}, true
}

// Snapshot returns the current messages and presence
func (m *Manager) Snapshot() store.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Snapshot()
}

// Subscribe registers fn for every subsequent Event and returns a function
// that removes it. fn runs on the dispatcher goroutine and may call back into
// the manager.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.notify.subscribe(fn)
}

// Open dials url. It is legal from Closed and Error. The descriptor is kept as
// a candidate and only becomes the reconnect descriptor once the transport
// reports open. A synchronous dial failure moves the status to Error and is
// returned as a transport error.
func (m *Manager) Open(url string, opts transport.Options) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return NewUsageError("open", ErrShutdown)
	}
	// A transport that reported an error may not have closed yet.
	var stale transport.Transport
	if m.status == StatusError {
		stale = m.tr
	}
	err := m.openLocked("open", url, opts)
	m.mu.Unlock()

	m.closeTransport(stale, transport.CloseNormal, ReasonReconnecting)
	return err
}

func (m *Manager) openLocked(op, url string, opts transport.Options) error {
	if !m.status.canOpen() {
		return NewUsageError(op, ErrInvalidTransition)
	}

	m.gen++
	gen := m.gen
	m.candidate = &Descriptor{URL: url, Options: opts.Clone()}
	m.tr = nil
	m.setStatusLocked(StatusConnecting, nil, "")

	m.log.Debug("opening %s (generation %d)", url, gen)
	t, err := m.dialer.Dial(m.ctx, url, opts.Clone(), &boundHandler{m: m, gen: gen})
	if err != nil {
		m.candidate = nil
		terr := &Error{Kind: KindTransport, Op: op, Err: err}
		m.log.Warn("open %s failed: %v", url, err)
		m.setStatusLocked(StatusError, terr, "")
		return terr
	}
	m.tr = t
	return nil
}

// Close requests a normal close of the active transport and forces the status
// to Closed right away. Subsequent callbacks from that transport are ignored.
func (m *Manager) Close() error {
	return m.CloseWith(transport.CloseNormal, ReasonNormal)
}

// CloseWith is Close with an explicit close code and reason
func (m *Manager) CloseWith(code int, reason string) error {
	m.mu.Lock()
	if m.status == StatusClosed {
		m.mu.Unlock()
		return NewUsageError("close", ErrAlreadyClosed)
	}
	t := m.closeLocked()
	m.mu.Unlock()

	m.closeTransport(t, code, reason)
	return nil
}

// closeLocked detaches the current transport and moves to Closed. The caller
// closes the returned transport after releasing the lock.
func (m *Manager) closeLocked() transport.Transport {
	t := m.tr
	m.tr = nil
	m.candidate = nil
	m.gen++

	id := ""
	if t != nil {
		id = t.ID()
	}
	m.setStatusLocked(StatusClosed, nil, id)
	return t
}

func (m *Manager) closeTransport(t transport.Transport, code int, reason string) {
	if t == nil {
		return
	}
	if err := t.Close(code, reason); err != nil {
		m.log.Warn("closing transport %s: %v", t.ID(), err)
	}
}

// Reconnect closes the current transport, if any, and opens again with the
// committed descriptor. Without a descriptor it returns ErrNoDescriptor and
// leaves the status unchanged.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return NewUsageError("reconnect", ErrShutdown)
	}
	if m.descriptor == nil {
		m.mu.Unlock()
		m.log.Warn("reconnect requested without reconnect information")
		return NewUsageError("reconnect", ErrNoDescriptor)
	}
	desc := *m.descriptor

	// From Error the failed transport is retired after the new dial, like Open.
	if m.status == StatusError {
		stale := m.tr
		err := m.reopenLocked(desc)
		m.mu.Unlock()

		m.closeTransport(stale, transport.CloseNormal, ReasonReconnecting)
		return err
	}

	var old transport.Transport
	if m.status == StatusOpen || m.status == StatusConnecting {
		old = m.closeLocked()
	}
	m.mu.Unlock()

	m.closeTransport(old, transport.CloseNormal, ReasonReconnecting)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return NewUsageError("reconnect", ErrShutdown)
	}
	return m.reopenLocked(desc)
}

func (m *Manager) reopenLocked(desc Descriptor) error {
	if err := m.openLocked("reconnect", desc.URL, desc.Options); err != nil {
		return err
	}
	m.log.Info("reconnecting to %s", desc.URL)
	return nil
}

// Send writes payload as one frame. It fails with ErrNotConnected unless the
// status is Open.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	if m.status != StatusOpen || m.tr == nil {
		m.mu.Unlock()
		return NewUsageError("send", ErrNotConnected)
	}
	t := m.tr
	m.mu.Unlock()

	if err := t.Send(payload); err != nil {
		return &Error{Kind: KindTransport, Op: "send", Err: err}
	}
	return nil
}

// Shutdown closes any active transport, clears the store and stops event
// delivery. Events already queued are still delivered. The manager rejects
// all further operations.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	var t transport.Transport
	if m.status != StatusClosed {
		t = m.closeLocked()
	}
	m.shutdown = true
	m.descriptor = nil
	m.store.Reset()
	m.mu.Unlock()

	m.closeTransport(t, transport.CloseNormal, ReasonNormal)
	m.notify.stop()
}

// Done is closed once every event published before Shutdown was delivered
func (m *Manager) Done() <-chan struct{} {
	return m.notify.done
}

func (m *Manager) setStatusLocked(s Status, err error, transportID string) {
	prev := m.status
	if prev == s && err == nil {
		return
	}
	m.status = s
	if prev != s {
		m.log.Debug("status %s -> %s", prev, s)
	}
	m.notify.publish(Event{
		Kind:        EventStatus,
		Status:      s,
		Previous:    prev,
		Err:         err,
		Snapshot:    m.store.Snapshot(),
		TransportID: transportID,
	})
}

// current reports whether gen belongs to the live transport. Caller holds mu.
func (m *Manager) current(gen uint64, what string) bool {
	if gen != m.gen || m.shutdown {
		m.log.Debug("dropping stale %s from generation %d (current %d)", what, gen, m.gen)
		return false
	}
	return true
}

func (m *Manager) transportID() string {
	if m.tr == nil {
		return ""
	}
	return m.tr.ID()
}

func (m *Manager) handleOpen(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(gen, "open") || m.status != StatusConnecting {
		return
	}
	m.descriptor = m.candidate
	m.candidate = nil
	m.log.Info("connected to %s", m.descriptor.URL)
	m.setStatusLocked(StatusOpen, nil, m.transportID())
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(gen, "message") {
		return
	}

	ev := protocol.Decode(data)
	if mal, ok := ev.(protocol.Malformed); ok {
		perr := &Error{Kind: KindProtocol, Op: "decode", Err: mal.Err}
		m.log.Warn("dropping malformed frame: %v", mal.Err)
		m.notify.publish(Event{
			Kind:        EventDiagnostic,
			Status:      m.status,
			Previous:    m.status,
			Err:         perr,
			Protocol:    ev,
			Snapshot:    m.store.Snapshot(),
			TransportID: m.transportID(),
		})
		return
	}

	m.store.Apply(ev, m.localUser)
	m.notify.publish(Event{
		Kind:        EventApplied,
		Status:      m.status,
		Previous:    m.status,
		Protocol:    ev,
		Snapshot:    m.store.Snapshot(),
		TransportID: m.transportID(),
	})
}

func (m *Manager) handleError(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(gen, "error") {
		return
	}
	m.log.Error("transport error: %v", err)
	m.setStatusLocked(StatusError, &Error{Kind: KindTransport, Op: "transport", Err: err}, m.transportID())
}

func (m *Manager) handleClose(gen uint64, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(gen, "close") {
		return
	}
	id := m.transportID()
	m.tr = nil
	m.candidate = nil
	m.gen++

	var err error
	if code != transport.CloseNormal {
		err = &Error{Kind: KindAbnormalClosure, Op: "close", Code: code, Reason: reason}
		m.log.Warn("connection closed with code %d: %s", code, reason)
	} else {
		m.log.Info("connection closed: %s", reason)
	}
	m.setStatusLocked(StatusClosed, err, id)
}

// boundHandler ties transport callbacks to the generation they were dialed in
type boundHandler struct {
	m   *Manager
	gen uint64
}

func (h *boundHandler) OnOpen()                         { h.m.handleOpen(h.gen) }
func (h *boundHandler) OnMessage(data []byte)           { h.m.handleMessage(h.gen, data) }
func (h *boundHandler) OnError(err error)               { h.m.handleError(h.gen, err) }
func (h *boundHandler) OnClose(code int, reason string) { h.m.handleClose(h.gen, code, reason) }
