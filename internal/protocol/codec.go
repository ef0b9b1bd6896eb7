package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire discriminants carried in the "type" field of inbound frames. A frame
// without a type (or with an empty one) is a plain chat message.
const (
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypeHistory    = "history"
)

// Kind identifies a decoded event variant
type Kind int

const (
	KindMalformed Kind = iota
	KindJoined
	KindLeft
	KindHistory
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindJoined:
		return "joined"
	case KindLeft:
		return "left"
	case KindHistory:
		return "history"
	case KindChat:
		return "chat"
	default:
		return "malformed"
	}
}

// Event is one decoded inbound frame. The concrete type is one of Joined,
// Left, History, Chat or Malformed.
type Event interface {
	Kind() Kind
	isEvent()
}

// Entry is a chat line as carried on the wire
type Entry struct {
	Content string
	Author  string
	// Timestamp is the raw wire value; empty when the server sent none.
	Timestamp string
}

// Time parses Timestamp as RFC 3339. ok is false when the timestamp is absent
// or in another format.
func (e Entry) Time() (t time.Time, ok bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Joined reports a user entering the room
type Joined struct{ Username string }

// Left reports a user leaving the room
type Left struct{ Username string }

// History carries the room log, oldest first
type History struct{ Entries []Entry }

// Chat is a single live message
type Chat struct{ Entry }

// Malformed is a frame that failed validation. Raw holds the original bytes.
type Malformed struct {
	Raw []byte
	Err error
}

func (Joined) Kind() Kind    { return KindJoined }
func (Left) Kind() Kind      { return KindLeft }
func (History) Kind() Kind   { return KindHistory }
func (Chat) Kind() Kind      { return KindChat }
func (Malformed) Kind() Kind { return KindMalformed }

func (Joined) isEvent()    {}
func (Left) isEvent()      {}
func (History) isEvent()   {}
func (Chat) isEvent()      {}
func (Malformed) isEvent() {}

// Decode errors wrapped by Malformed.Err
var (
	ErrNotObject       = errors.New("frame is not a JSON object")
	ErrUnknownType     = errors.New("unrecognized message type")
	ErrInvalidField    = errors.New("invalid field")
	ErrMissingField    = errors.New("missing field")
	ErrInvalidEncoding = errors.New("frame is not valid JSON")
)

// wireEntry mirrors a chat line on the wire. Fields are kept raw so that
// their JSON types are checked before use.
type wireEntry struct {
	Content   json.RawMessage `json:"content"`
	Username  json.RawMessage `json:"username"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode turns one inbound text frame into an Event. It never panics and
// never returns nil: anything that fails validation becomes Malformed.
func Decode(raw []byte) Event {
	ev, err := decode(raw)
	if err != nil {
		return Malformed{Raw: append([]byte(nil), raw...), Err: err}
	}
	return ev
}

func decode(raw []byte) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, ErrInvalidEncoding
		}
		return nil, ErrNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	msgType, err := optionalString(fields, "type")
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeUserJoined:
		name, err := requiredName(fields, "username")
		if err != nil {
			return nil, err
		}
		return Joined{Username: name}, nil

	case TypeUserLeft:
		name, err := requiredName(fields, "username")
		if err != nil {
			return nil, err
		}
		return Left{Username: name}, nil

	case TypeHistory:
		return decodeHistory(fields)

	case "":
		entry, err := decodeEntry(wireEntry{
			Content:   fields["content"],
			Username:  fields["username"],
			Timestamp: fields["timestamp"],
		})
		if err != nil {
			return nil, err
		}
		return Chat{Entry: entry}, nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, msgType)
	}
}

func decodeHistory(fields map[string]json.RawMessage) (Event, error) {
	rawMessages, ok := fields["messages"]
	if !ok || isNull(rawMessages) {
		return nil, fmt.Errorf("%w: messages", ErrMissingField)
	}

	var wire []wireEntry
	if err := json.Unmarshal(rawMessages, &wire); err != nil {
		return nil, fmt.Errorf("%w: messages: %v", ErrInvalidField, err)
	}

	entries := make([]Entry, 0, len(wire))
	for i, w := range wire {
		entry, err := decodeEntry(w)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return History{Entries: entries}, nil
}

func decodeEntry(w wireEntry) (Entry, error) {
	if w.Content == nil || isNull(w.Content) {
		return Entry{}, fmt.Errorf("%w: content", ErrMissingField)
	}
	var content string
	if err := json.Unmarshal(w.Content, &content); err != nil {
		return Entry{}, fmt.Errorf("%w: content", ErrInvalidField)
	}

	author, err := nameValue(w.Username, "username")
	if err != nil {
		return Entry{}, err
	}

	var ts string
	if w.Timestamp != nil && !isNull(w.Timestamp) {
		if err := json.Unmarshal(w.Timestamp, &ts); err != nil {
			return Entry{}, fmt.Errorf("%w: timestamp", ErrInvalidField)
		}
	}

	return Entry{Content: content, Author: author, Timestamp: ts}, nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
	}
	return s, nil
}

func requiredName(fields map[string]json.RawMessage, key string) (string, error) {
	return nameValue(fields[key], key)
}

func nameValue(raw json.RawMessage, key string) (string, error) {
	if raw == nil || isNull(raw) {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Encode returns the outbound frame for a chat send: the text itself, with no
// envelope.
func Encode(text string) []byte {
	return []byte(text)
}
