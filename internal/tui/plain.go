package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/codefionn/roomchat/internal/chatsession"
	"github.com/codefionn/roomchat/internal/connection"
	"github.com/codefionn/roomchat/internal/consts"
	"github.com/codefionn/roomchat/internal/protocol"
	"github.com/codefionn/roomchat/internal/store"
)

// Plain mode commands
const (
	cmdQuit      = "/quit"
	cmdReconnect = "/reconnect"
	cmdWho       = "/who"
)

// linePrinter serializes writes from the event dispatcher and the input loop
type linePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *linePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// RunPlain drives a session line by line: every line read from in is sent,
// except the /quit, /reconnect and /who commands. Events are printed to out.
// It leaves the session when in is exhausted, on /quit, or when ctx ends.
// Only opts.Events is used.
func RunPlain(ctx context.Context, s Session, opts Options, in io.Reader, out io.Writer) error {
	p := &linePrinter{out: out}
	local := s.Identity().Username

	events, unsubscribe := subscribeEvents(s, opts.Events)
	defer unsubscribe()
	for _, ev := range events.attach(func(ev chatsession.Event) {
		printEvent(p, ev, local)
	}) {
		printEvent(p, ev, local)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, consts.BufferSize64KB), consts.MaxFrameSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer func() {
		_ = s.Leave()
		<-s.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if quit := handleLine(p, s, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user asked to quit
func handleLine(p *linePrinter, s Session, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case cmdQuit:
		return true
	case cmdReconnect:
		if err := s.Reconnect(); err != nil {
			p.printf("! %s", describeError(err))
		}
		return false
	case cmdWho:
		p.printf("* %s", presenceLine(s.Snapshot().Presence))
		return false
	}

	if err := s.SendMessage(line); err != nil {
		p.printf("! %s", describeError(err))
	}
	return false
}

func presenceLine(presence []string) string {
	if len(presence) == 0 {
		return "nobody online"
	}
	return "online: " + strings.Join(presence, ", ")
}

func printEvent(p *linePrinter, ev chatsession.Event, local string) {
	switch ev.Kind {
	case connection.EventStatus:
		if ev.Err != nil {
			p.printf("* %s (%s)", ev.Status, describeError(ev.Err))
			if ev.Status == connection.StatusError || connection.KindOf(ev.Err) == connection.KindAbnormalClosure {
				p.printf("* type %s to try again", cmdReconnect)
			}
			return
		}
		p.printf("* %s", ev.Status)

	case connection.EventDiagnostic:
		p.printf("! %s", describeError(ev.Err))

	case connection.EventApplied:
		switch e := ev.Protocol.(type) {
		case protocol.Joined:
			p.printf("* %s joined", e.Username)
		case protocol.Left:
			p.printf("* %s left", e.Username)
		case protocol.History:
			p.printf("* %d earlier messages", len(e.Entries))
			for _, msg := range ev.Snapshot.Messages {
				p.printf("%s", plainMessage(msg))
			}
		case protocol.Chat:
			direction := store.Received
			if e.Author == local {
				direction = store.Self
			}
			p.printf("%s", plainMessage(store.Message{
				Content:   e.Content,
				Author:    e.Author,
				Timestamp: e.Timestamp,
				Direction: direction,
			}))
		}
	}
}

func plainMessage(msg store.Message) string {
	prefix := msg.Author
	if msg.Direction == store.Self {
		prefix += " (you)"
	}
	if ts := formatTimestamp(msg.Timestamp); ts != "" {
		return fmt.Sprintf("[%s] %s: %s", ts, prefix, msg.Content)
	}
	return fmt.Sprintf("%s: %s", prefix, msg.Content)
}
