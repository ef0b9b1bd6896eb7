// Package store holds the local view of one chat session: the ordered message
// log and the presence set. It has no locking of its own; the connection
// manager that owns a Store serializes every call.
package store

import (
	"slices"

	"github.com/codefionn/roomchat/internal/protocol"
)

// Direction tells whether a message was written by the local user
type Direction int

const (
	Received Direction = iota
	Self
)

func (d Direction) String() string {
	if d == Self {
		return "self"
	}
	return "recv"
}

// Message is a stored chat line
type Message struct {
	Content   string
	Author    string
	Timestamp string
	Direction Direction
}

// Snapshot is an immutable copy of the session state
type Snapshot struct {
	Messages []Message
	// Presence lists joined usernames in arrival order
	Presence []string
}

// HasPresence reports whether username is in the presence set
func (s Snapshot) HasPresence(username string) bool {
	return slices.Contains(s.Presence, username)
}

// Store is the session state
type Store struct {
	messages []Message
	presence []string
	members  map[string]struct{}
}

// New creates an empty store
func New() *Store {
	return &Store{members: make(map[string]struct{})}
}

// Apply folds a decoded event into the state. localUsername decides message
// direction. It returns false for Malformed events, which never change state.
func (s *Store) Apply(ev protocol.Event, localUsername string) bool {
	switch e := ev.(type) {
	case protocol.Joined:
		if _, ok := s.members[e.Username]; !ok {
			s.members[e.Username] = struct{}{}
			s.presence = append(s.presence, e.Username)
		}
	case protocol.Left:
		if _, ok := s.members[e.Username]; ok {
			delete(s.members, e.Username)
			s.presence = slices.DeleteFunc(s.presence, func(name string) bool {
				return name == e.Username
			})
		}
	case protocol.History:
		messages := make([]Message, 0, len(e.Entries))
		for _, entry := range e.Entries {
			messages = append(messages, newMessage(entry, localUsername))
		}
		s.messages = messages
	case protocol.Chat:
		s.messages = append(s.messages, newMessage(e.Entry, localUsername))
	default:
		return false
	}
	return true
}

func newMessage(entry protocol.Entry, localUsername string) Message {
	dir := Received
	if entry.Author == localUsername {
		dir = Self
	}
	return Message{
		Content:   entry.Content,
		Author:    entry.Author,
		Timestamp: entry.Timestamp,
		Direction: dir,
	}
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Messages: slices.Clone(s.messages),
		Presence: slices.Clone(s.presence),
	}
}

// Len returns the number of stored messages
func (s *Store) Len() int {
	return len(s.messages)
}

// Reset drops all messages and presence
func (s *Store) Reset() {
	s.messages = nil
	s.presence = nil
	s.members = make(map[string]struct{})
}
