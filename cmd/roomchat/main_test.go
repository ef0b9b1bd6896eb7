package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/roomchat/internal/chatsession"
	"github.com/codefionn/roomchat/internal/chattest"
	"github.com/codefionn/roomchat/internal/config"
	"github.com/codefionn/roomchat/internal/connection"
	"github.com/codefionn/roomchat/internal/logger"
	"github.com/codefionn/roomchat/internal/roomsapi"
	"github.com/codefionn/roomchat/internal/tui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCLIArgs(t *testing.T) {
	opts, err := parseCLIArgs([]string{"-server", "http://chat.test", "-username", "alice", "general"})
	require.NoError(t, err)
	assert.Equal(t, "http://chat.test", opts.server)
	assert.Equal(t, "alice", opts.username)
	assert.Equal(t, "general", opts.room)

	_, err = parseCLIArgs([]string{"-room", "a", "b"})
	assert.Error(t, err)

	_, err = parseCLIArgs([]string{"a", "b"})
	assert.Error(t, err)

	_, err = parseCLIArgs([]string{"-create-room", ":nameless"})
	assert.Error(t, err)
}

func TestParseRoomSpec(t *testing.T) {
	tests := []struct {
		spec     string
		id, name string
		wantErr  bool
	}{
		{spec: "r1:Room One", id: "r1", name: "Room One"},
		{spec: "r1", id: "r1", name: "r1"},
		{spec: " r1 : ", id: "r1", name: "r1"},
		{spec: "", wantErr: true},
		{spec: ":x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			id, name, err := parseRoomSpec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestApplyFlagsAndIdentity(t *testing.T) {
	cfg := config.DefaultConfig()
	applyFlags(cfg, &cliOptions{server: "https://chat.test", room: "general", username: "alice", logLevel: "debug"})

	assert.Equal(t, "https://chat.test", cfg.ServerURL)
	assert.Equal(t, "general", cfg.DefaultRoom)
	assert.Equal(t, "debug", cfg.LogLevel)

	id, err := resolveIdentity(cfg)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.NotEmpty(t, id.UserID)

	cfg.Identity.UserID = "42"
	id, err = resolveIdentity(cfg)
	require.NoError(t, err)
	assert.Equal(t, "42", id.UserID)

	cfg.Identity.Username = " "
	_, err = resolveIdentity(cfg)
	assert.Error(t, err)
}

func TestTransportOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.HandshakeTimeoutSeconds = 5
	opts := transportOptions(cfg)
	assert.Equal(t, cfg.HandshakeTimeout(), opts.HandshakeTimeout)
	assert.Equal(t, cfg.WriteTimeout(), opts.WriteTimeout)
	assert.Equal(t, cfg.Transport.MaxMessageBytes, opts.MaxMessageSize)
}

func TestListAndCreateRooms(t *testing.T) {
	srv := chattest.NewServer(chattest.WithLogger(logger.Nop()))
	defer srv.Close()

	api, err := roomsapi.New(srv.URL(), roomsapi.WithLogger(logger.Nop()))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, listRooms(context.Background(), api, &out))
	assert.Equal(t, "No rooms yet.\n", out.String())

	out.Reset()
	require.NoError(t, createRoom(context.Background(), api, "r1:Room One", &out))
	assert.Equal(t, "Created room r1 (Room One)\n", out.String())

	out.Reset()
	require.NoError(t, listRooms(context.Background(), api, &out))
	assert.Equal(t, "r1\tRoom One\n", out.String())
}

func TestJoinRoomKeepsEventsFromBeforeTheUI(t *testing.T) {
	logger.SetGlobal(logger.Nop())

	// A server that is already gone fails the handshake right after Join.
	srv := chattest.NewServer(chattest.WithLogger(logger.Nop()))
	cfg := config.DefaultConfig()
	cfg.ServerURL = srv.URL()
	srv.Close()

	session, events, err := joinRoom(context.Background(), cfg, "general",
		chatsession.Identity{UserID: "1", Username: "alice"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return session.Status() == connection.StatusClosed
	}, 5*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, tui.RunPlain(context.Background(), session, tui.Options{Events: events},
		strings.NewReader(""), &out))

	text := out.String()
	assert.Contains(t, text, "* connecting\n")
	assert.Contains(t, text, "* error (connection failed:")
	assert.Contains(t, text, "* closed (connection lost (code 1006))")
	assert.Contains(t, text, "* type /reconnect to try again")
}
