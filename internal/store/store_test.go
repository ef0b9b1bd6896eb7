package store

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/codefionn/roomchat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceIsNetEffectOfJoinsAndLeaves(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"alice", "bob", "carol", "dave"}

	for round := 0; round < 200; round++ {
		s := New()
		model := map[string]bool{}

		for step := 0; step < 30; step++ {
			name := names[rng.Intn(len(names))]
			if rng.Intn(2) == 0 {
				s.Apply(protocol.Joined{Username: name}, "alice")
				model[name] = true
			} else {
				s.Apply(protocol.Left{Username: name}, "alice")
				delete(model, name)
			}
		}

		want := make([]string, 0, len(model))
		for name := range model {
			want = append(want, name)
		}
		got := s.Snapshot().Presence
		require.ElementsMatch(t, want, got, "round %d", round)
		assert.Len(t, got, len(model), "presence must not contain duplicates")
	}
}

func TestPresenceKeepsArrivalOrder(t *testing.T) {
	s := New()
	for _, name := range []string{"carol", "alice", "bob", "alice"} {
		s.Apply(protocol.Joined{Username: name}, "alice")
	}
	s.Apply(protocol.Left{Username: "zed"}, "alice")

	snap := s.Snapshot()
	assert.Equal(t, []string{"carol", "alice", "bob"}, snap.Presence)
	assert.True(t, snap.HasPresence("bob"))
	assert.False(t, snap.HasPresence("zed"))
}

func TestJoinThenLeaveRemovesUser(t *testing.T) {
	s := New()
	s.Apply(protocol.Joined{Username: "carol"}, "alice")
	s.Apply(protocol.Left{Username: "carol"}, "alice")

	assert.False(t, s.Snapshot().HasPresence("carol"))
}

func TestHistoryReplacesMessages(t *testing.T) {
	for _, prior := range []int{0, 1, 5, 40} {
		s := New()
		for i := 0; i < prior; i++ {
			s.Apply(protocol.Chat{Entry: protocol.Entry{Content: "old", Author: "bob"}}, "alice")
		}
		require.Equal(t, prior, s.Len())

		entries := []protocol.Entry{
			{Content: "one", Author: "bob"},
			{Content: "two", Author: "alice"},
			{Content: "three", Author: "carol", Timestamp: "T2"},
		}
		require.True(t, s.Apply(protocol.History{Entries: entries}, "alice"))

		snap := s.Snapshot()
		require.Len(t, snap.Messages, len(entries), "prior=%d", prior)
		for i, m := range snap.Messages {
			assert.Equal(t, entries[i].Content, m.Content)
		}
	}
}

func TestHistoryDoesNotResetPresence(t *testing.T) {
	s := New()
	s.Apply(protocol.Joined{Username: "bob"}, "alice")
	s.Apply(protocol.History{Entries: nil}, "alice")

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, []string{"bob"}, snap.Presence)
}

func TestDirectionIsDerivedFromLocalUsername(t *testing.T) {
	s := New()
	s.Apply(protocol.History{Entries: []protocol.Entry{
		{Content: "hi", Author: "bob"},
		{Content: "hey", Author: "alice"},
	}}, "alice")
	s.Apply(protocol.Chat{Entry: protocol.Entry{Content: "mine", Author: "alice"}}, "alice")
	s.Apply(protocol.Chat{Entry: protocol.Entry{Content: "theirs", Author: "Alice"}}, "alice")

	for _, m := range s.Snapshot().Messages {
		if m.Author == "alice" {
			assert.Equal(t, Self, m.Direction, m.Content)
		} else {
			assert.Equal(t, Received, m.Direction, m.Content)
		}
	}
	assert.Equal(t, "self", Self.String())
	assert.Equal(t, "recv", Received.String())
}

func TestChatAppendsExactlyOne(t *testing.T) {
	s := New()
	for i := 1; i <= 3; i++ {
		s.Apply(protocol.Chat{Entry: protocol.Entry{Content: "x", Author: "bob"}}, "alice")
		assert.Equal(t, i, s.Len())
	}
}

func TestMalformedChangesNothing(t *testing.T) {
	s := New()
	s.Apply(protocol.Joined{Username: "bob"}, "alice")
	s.Apply(protocol.Chat{Entry: protocol.Entry{Content: "x", Author: "bob"}}, "alice")
	before := s.Snapshot()

	applied := s.Apply(protocol.Malformed{Raw: []byte("not json"), Err: errors.New("bad")}, "alice")
	assert.False(t, applied)
	assert.False(t, s.Apply(nil, "alice"))
	assert.Equal(t, before, s.Snapshot())
}

func TestSnapshotIsImmutable(t *testing.T) {
	s := New()
	s.Apply(protocol.Joined{Username: "bob"}, "alice")
	s.Apply(protocol.Chat{Entry: protocol.Entry{Content: "x", Author: "bob"}}, "alice")

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"
	snap.Presence[0] = "mallory"

	fresh := s.Snapshot()
	assert.Equal(t, "x", fresh.Messages[0].Content)
	assert.Equal(t, []string{"bob"}, fresh.Presence)
}

func TestReset(t *testing.T) {
	s := New()
	s.Apply(protocol.Joined{Username: "bob"}, "alice")
	s.Apply(protocol.Chat{Entry: protocol.Entry{Content: "x", Author: "bob"}}, "alice")
	s.Reset()

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Presence)

	// Store stays usable after Reset.
	s.Apply(protocol.Joined{Username: "bob"}, "alice")
	assert.Equal(t, []string{"bob"}, s.Snapshot().Presence)
}
