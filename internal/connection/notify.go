package connection

import (
	"sync"

	"github.com/codefionn/roomchat/internal/protocol"
	"github.com/codefionn/roomchat/internal/store"
)

// EventKind says what produced an Event
type EventKind int

const (
	// EventStatus is a status transition
	EventStatus EventKind = iota
	// EventApplied is a decoded frame applied to the store
	EventApplied
	// EventDiagnostic is a malformed frame that was dropped
	EventDiagnostic
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventApplied:
		return "applied"
	case EventDiagnostic:
		return "diagnostic"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers once per discrete change
type Event struct {
	Kind EventKind
	// Status is the status after the event; Previous is the status before it
	Status   Status
	Previous Status
	// Err is a transport or abnormal-closure error on status events and the
	// protocol error on diagnostics
	Err error
	// Protocol is the decoded frame for EventApplied and EventDiagnostic
	Protocol protocol.Event
	// Snapshot is the session state right after the event
	Snapshot store.Snapshot
	// TransportID identifies the transport instance involved, if any
	TransportID string
}

type subscriber struct {
	id int
	fn func(Event)
}

// notifier delivers events to subscribers from a single goroutine, in the
// order they were published. Publishing never blocks, so it is safe under the
// manager lock, and subscribers may call back into the manager.
type notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	subs   []subscriber
	nextID int
	closed bool
	done   chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{done: make(chan struct{})}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *notifier) publish(ev Event) {
	n.mu.Lock()
	if !n.closed {
		n.queue = append(n.queue, ev)
		n.cond.Signal()
	}
	n.mu.Unlock()
}

func (n *notifier) subscribe(fn func(Event)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.subs {
				if s.id == id {
					n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (n *notifier) run() {
	defer close(n.done)

	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		ev := n.queue[0]
		n.queue[0] = Event{}
		n.queue = n.queue[1:]
		subs := append([]subscriber(nil), n.subs...)
		n.mu.Unlock()

		for _, s := range subs {
			s.fn(ev)
		}
	}
}

// stop rejects further events. Already queued events are still delivered.
func (n *notifier) stop() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
}
