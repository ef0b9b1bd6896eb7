package chattest

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, s *Server, room, id, name string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.URL(), "http") + "/ws/join/" + room + "?userId=" + id + "&username=" + name
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestJoinReplaysHistoryThenBroadcastsPresence(t *testing.T) {
	s := NewServer(WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }))
	defer s.Close()
	s.CreateRoom("room1", "Room One")
	s.Seed("room1", Entry{Content: "hi", Username: "bob", Timestamp: "T0"})

	alice := dial(t, s, "room1", "u1", "alice")

	history := readFrame(t, alice)
	assert.Equal(t, "history", history["type"])
	require.Len(t, history["messages"], 1)

	joined := readFrame(t, alice)
	assert.Equal(t, "user_joined", joined["type"])
	assert.Equal(t, "alice", joined["username"])

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("hello")))
	chat := readFrame(t, alice)
	assert.Equal(t, "hello", chat["content"])
	assert.Equal(t, "alice", chat["username"])
	assert.Equal(t, "2024-01-02T03:04:05Z", chat["timestamp"])
	_, hasType := chat["type"]
	assert.False(t, hasType)

	require.Len(t, s.History("room1"), 2)
	assert.Equal(t, []Client{{ID: "u1", Username: "alice"}}, s.Clients("room1"))
}

func TestLeaveBroadcastsUserLeft(t *testing.T) {
	s := NewServer()
	defer s.Close()
	s.CreateRoom("room1", "Room One")

	alice := dial(t, s, "room1", "u1", "alice")
	readFrame(t, alice) // history
	readFrame(t, alice) // alice joined

	bob := dial(t, s, "room1", "u2", "bob")
	readFrame(t, bob)
	assert.Equal(t, "bob", readFrame(t, alice)["username"])

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	left := readFrame(t, alice)
	assert.Equal(t, "user_left", left["type"])
	assert.Equal(t, "bob", left["username"])
	assert.Eventually(t, func() bool { return len(s.Clients("room1")) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestJoinMissingRoomClosesNormally(t *testing.T) {
	s := NewServer()
	defer s.Close()

	conn := dial(t, s, "nowhere", "u1", "alice")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "Room does not exist", closeErr.Text)
}

func TestJoinRequiresIdentity(t *testing.T) {
	s := NewServer()
	defer s.Close()

	u := "ws" + strings.TrimPrefix(s.URL(), "http") + "/ws/join/room1?userId=u1"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCloseRoomSendsCode(t *testing.T) {
	s := NewServer()
	defer s.Close()
	s.CreateRoom("room1", "Room One")

	conn := dial(t, s, "room1", "u1", "alice")
	readFrame(t, conn)
	readFrame(t, conn)

	s.CloseRoom("room1", 4001, "room deleted")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4001, closeErr.Code)
	assert.Equal(t, "room deleted", closeErr.Text)
}
