package chatsession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/roomchat/internal/chattest"
	"github.com/codefionn/roomchat/internal/connection"
	"github.com/codefionn/roomchat/internal/logger"
	"github.com/codefionn/roomchat/internal/store"
	"github.com/codefionn/roomchat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

var alice = Identity{UserID: "u1", Username: "alice"}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) has(match func(Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if match(ev) {
			return true
		}
	}
	return false
}

func (l *eventLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, ev := range l.events {
		if ev.Kind == connection.EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func newRoomServer(t *testing.T) *chattest.Server {
	t.Helper()
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	srv.CreateRoom("room1", "Room One")
	return srv
}

func join(t *testing.T, srv *chattest.Server, id Identity) (*Session, *eventLog) {
	t.Helper()
	events := &eventLog{}
	s, err := Join("room1", id,
		WithBaseURL(srv.URL()),
		WithLogger(logger.Nop()),
		WithSubscriber(events.add))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Leave() })
	return s, events
}

func joinOpen(t *testing.T, srv *chattest.Server, id Identity) (*Session, *eventLog) {
	t.Helper()
	s, events := join(t, srv, id)
	require.Eventually(t, func() bool { return s.Status() == connection.StatusOpen }, waitFor, 5*time.Millisecond)
	return s, events
}

type countingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *countingDialer) Dial(context.Context, string, transport.Options, transport.Handler) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return nil, assert.AnError
}

func TestJoinValidatesBeforeConnecting(t *testing.T) {
	tests := []struct {
		name string
		room string
		id   Identity
		want error
	}{
		{name: "missing user id", room: "room1", id: Identity{Username: "alice"}, want: ErrIncompleteIdentity},
		{name: "missing username", room: "room1", id: Identity{UserID: "u1"}, want: ErrIncompleteIdentity},
		{name: "blank username", room: "room1", id: Identity{UserID: "u1", Username: "  "}, want: ErrIncompleteIdentity},
		{name: "empty room", room: "", id: alice, want: ErrEmptyRoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDialer{}
			s, err := Join(tt.room, tt.id, WithDialer(d), WithLogger(logger.Nop()))
			assert.Nil(t, s)
			assert.True(t, connection.IsUsage(err))
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, d.dials)
		})
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base string
		room string
		id   Identity
		want string
	}{
		{base: "http://localhost:3000", room: "room1", id: alice,
			want: "ws://localhost:3000/ws/join/room1?userId=u1&username=alice"},
		{base: "https://chat.example.com/", room: "room1", id: alice,
			want: "wss://chat.example.com/ws/join/room1?userId=u1&username=alice"},
		{base: "wss://chat.example.com/api", room: "room1", id: alice,
			want: "wss://chat.example.com/api/ws/join/room1?userId=u1&username=alice"},
		{base: "http://localhost:3000", room: "a b/c", id: Identity{UserID: "id&1", Username: "bob smith"},
			want: "ws://localhost:3000/ws/join/a%20b%2Fc?userId=id%261&username=bob+smith"},
	}

	for _, tt := range tests {
		got, err := JoinURL(tt.base, tt.room, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := JoinURL("ftp://localhost", "room1", alice)
	assert.Error(t, err)
	_, err = JoinURL("http://", "room1", alice)
	assert.Error(t, err)
}

func TestJoinReportsSynchronousDialFailure(t *testing.T) {
	events := &eventLog{}
	s, err := Join("room1", alice, WithDialer(&countingDialer{}), WithLogger(logger.Nop()), WithSubscriber(events.add))
	assert.Nil(t, s)
	require.Error(t, err)
	assert.Equal(t, connection.KindTransport, connection.KindOf(err))
}

func TestHistoryOnJoin(t *testing.T) {
	srv := newRoomServer(t)
	srv.Seed("room1", chattest.Entry{Content: "hi", Username: "bob", Timestamp: "T0"})

	s, events := join(t, srv, alice)

	require.Eventually(t, func() bool { return len(s.Snapshot().Messages) == 1 }, waitFor, 5*time.Millisecond)
	msg := s.Snapshot().Messages[0]
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "bob", msg.Author)
	assert.Equal(t, "T0", msg.Timestamp)
	assert.Equal(t, store.Received, msg.Direction)

	require.Eventually(t, func() bool { return s.Snapshot().HasPresence("alice") }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(events.statuses()) >= 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []Status{connection.StatusConnecting, connection.StatusOpen}, events.statuses()[:2])
	assert.Equal(t, "room1", s.Room())
	assert.Equal(t, alice, s.Identity())
}

func TestPresenceJoinThenLeave(t *testing.T) {
	srv := newRoomServer(t)
	s, _ := joinOpen(t, srv, alice)

	srv.Broadcast("room1", []byte(`{"type":"user_joined","username":"carol"}`))
	require.Eventually(t, func() bool { return s.Snapshot().HasPresence("carol") }, waitFor, 5*time.Millisecond)

	srv.Broadcast("room1", []byte(`{"type":"user_left","username":"carol"}`))
	require.Eventually(t, func() bool { return !s.Snapshot().HasPresence("carol") }, waitFor, 5*time.Millisecond)
}

func TestSendRoundTrip(t *testing.T) {
	srv := newRoomServer(t)
	s, _ := joinOpen(t, srv, alice)
	bob, _ := joinOpen(t, srv, Identity{UserID: "u2", Username: "bob"})

	require.NoError(t, s.SendMessage("hello"))

	require.Eventually(t, func() bool { return len(s.Snapshot().Messages) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, store.Self, s.Snapshot().Messages[0].Direction)

	require.Eventually(t, func() bool { return len(bob.Snapshot().Messages) == 1 }, waitFor, 5*time.Millisecond)
	got := bob.Snapshot().Messages[0]
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "alice", got.Author)
	assert.Equal(t, store.Received, got.Direction)
	assert.NotEmpty(t, got.Timestamp)
}

func TestBlankMessageRejected(t *testing.T) {
	srv := newRoomServer(t)
	s, _ := joinOpen(t, srv, alice)

	err := s.SendMessage("   ")
	assert.True(t, connection.IsUsage(err))
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, srv.History("room1"))
}

func TestSendWhileClosedIsRejected(t *testing.T) {
	srv := newRoomServer(t)
	s, events := joinOpen(t, srv, alice)

	srv.CloseRoom("room1", transport.CloseNormal, "bye")
	require.Eventually(t, func() bool { return s.Status() == connection.StatusClosed }, waitFor, 5*time.Millisecond)
	before := s.Snapshot()

	err := s.SendMessage("hello")
	assert.True(t, connection.IsUsage(err))
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Equal(t, before, s.Snapshot())
	assert.Empty(t, srv.History("room1"))

	closedNormally := func(ev Event) bool {
		return ev.Kind == connection.EventStatus && ev.Status == connection.StatusClosed && ev.Err == nil
	}
	require.Eventually(t, func() bool { return events.has(closedNormally) }, waitFor, 5*time.Millisecond)
}

func TestMalformedFrameIsDiagnosticOnly(t *testing.T) {
	srv := newRoomServer(t)
	s, events := joinOpen(t, srv, alice)
	require.Eventually(t, func() bool { return s.Snapshot().HasPresence("alice") }, waitFor, 5*time.Millisecond)
	before := s.Snapshot()

	srv.Broadcast("room1", []byte("not json"))

	isDiagnostic := func(ev Event) bool { return ev.Kind == connection.EventDiagnostic }
	require.Eventually(t, func() bool { return events.has(isDiagnostic) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, connection.StatusOpen, s.Status())
}

func TestReconnectWithoutSuccessfulOpen(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()

	s, err := Join("room1", alice, WithBaseURL(notFound.URL), WithLogger(logger.Nop()))
	require.NoError(t, err)
	defer s.Leave()

	require.Eventually(t, func() bool { return s.Status() == connection.StatusClosed }, waitFor, 5*time.Millisecond)

	err = s.Reconnect()
	assert.True(t, connection.IsUsage(err))
	assert.ErrorIs(t, err, connection.ErrNoDescriptor)
	assert.Equal(t, connection.StatusClosed, s.Status())
}

func TestAbnormalDropThenReconnect(t *testing.T) {
	srv := newRoomServer(t)
	s, events := joinOpen(t, srv, alice)
	require.NoError(t, s.SendMessage("before the drop"))
	require.Eventually(t, func() bool { return len(s.Snapshot().Messages) == 1 }, waitFor, 5*time.Millisecond)

	srv.DropAll()

	abnormal := func(ev Event) bool {
		return ev.Kind == connection.EventStatus && connection.KindOf(ev.Err) == connection.KindAbnormalClosure
	}
	require.Eventually(t, func() bool { return events.has(abnormal) }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status() == connection.StatusClosed }, waitFor, 5*time.Millisecond)

	require.NoError(t, s.Reconnect())
	require.Eventually(t, func() bool { return s.Status() == connection.StatusOpen }, waitFor, 5*time.Millisecond)

	// History replaces the local log rather than appending to it.
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Content == "before the drop"
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, store.Self, s.Snapshot().Messages[0].Direction)
}

func TestReconnectWhileOpen(t *testing.T) {
	srv := newRoomServer(t)
	s, events := joinOpen(t, srv, alice)

	require.NoError(t, s.Reconnect())
	require.Eventually(t, func() bool { return s.Status() == connection.StatusOpen }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.Clients("room1")) == 1 }, waitFor, 5*time.Millisecond)

	want := []Status{
		connection.StatusConnecting, connection.StatusOpen,
		connection.StatusClosed, connection.StatusConnecting, connection.StatusOpen,
	}
	require.Eventually(t, func() bool { return len(events.statuses()) >= len(want) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, events.statuses())
}

func TestLeave(t *testing.T) {
	srv := newRoomServer(t)
	s, _ := joinOpen(t, srv, alice)
	require.Eventually(t, func() bool { return len(srv.Clients("room1")) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, s.Leave())
	assert.Equal(t, connection.StatusClosed, s.Status())
	assert.Empty(t, s.Snapshot().Messages)
	assert.Empty(t, s.Snapshot().Presence)

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("events were not drained after leave")
	}
	require.Eventually(t, func() bool { return len(srv.Clients("room1")) == 0 }, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, s.SendMessage("hello"), ErrSessionLeft)
	assert.ErrorIs(t, s.Reconnect(), ErrSessionLeft)
	assert.ErrorIs(t, s.Leave(), ErrSessionLeft)
}

func TestSubscriberCanSendFromCallback(t *testing.T) {
	srv := newRoomServer(t)

	sent := make(chan error, 1)
	var s *Session
	var once sync.Once
	ready := make(chan struct{})
	s, err := Join("room1", alice,
		WithBaseURL(srv.URL()),
		WithLogger(logger.Nop()),
		WithSubscriber(func(ev Event) {
			if ev.Kind == connection.EventStatus && ev.Status == connection.StatusOpen {
				<-ready
				once.Do(func() { sent <- s.SendMessage("greetings") })
			}
		}))
	require.NoError(t, err)
	close(ready)
	defer s.Leave()

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("subscriber never saw the session open")
	}
	require.Eventually(t, func() bool { return len(srv.History("room1")) == 1 }, waitFor, 5*time.Millisecond)
}
