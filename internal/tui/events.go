package tui

import (
	"sync"

	"github.com/codefionn/roomchat/internal/chatsession"
)

// EventBuffer holds session events until a UI attaches to it. Register Push
// with chatsession.WithSubscriber so events from the first handshake are
// kept even if it finishes before the UI is running.
type EventBuffer struct {
	mu      sync.Mutex
	pending []chatsession.Event
	sink    func(chatsession.Event)
}

// NewEventBuffer creates an empty buffer
func NewEventBuffer() *EventBuffer {
	return &EventBuffer{}
}

// Push records ev, or forwards it once a UI is attached
func (b *EventBuffer) Push(ev chatsession.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink != nil {
		b.sink(ev)
		return
	}
	b.pending = append(b.pending, ev)
}

// attach returns the events recorded so far and forwards every later one to
// sink, in order
func (b *EventBuffer) attach(sink func(chatsession.Event)) []chatsession.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.pending
	b.pending = nil
	b.sink = sink
	return pending
}

// subscribeEvents returns events, or a buffer subscribed to s now when the
// caller did not register one at join time
func subscribeEvents(s Session, events *EventBuffer) (*EventBuffer, func()) {
	if events != nil {
		return events, func() {}
	}
	events = NewEventBuffer()
	return events, s.Subscribe(events.Push)
}
