package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/codefionn/roomchat/internal/connection"
	"github.com/codefionn/roomchat/internal/store"
	"github.com/muesli/reflow/wordwrap"
)

// formatTimestamp shows RFC 3339 timestamps as local clock time and leaves
// anything else as the server sent it
func formatTimestamp(ts string) string {
	if ts == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04")
}

// renderMessage renders one chat line. With a renderer the body is treated as
// markdown, otherwise it is word wrapped to width.
func renderMessage(msg store.Message, width int, renderer *glamour.TermRenderer) string {
	authorStyle := peerAuthorStyle
	if msg.Direction == store.Self {
		authorStyle = selfAuthorStyle
	}

	header := authorStyle.Render(msg.Author)
	if ts := formatTimestamp(msg.Timestamp); ts != "" {
		header += " " + timestampStyle.Render(ts)
	}

	body := msg.Content
	if renderer != nil {
		if out, err := renderer.Render(body); err == nil {
			body = strings.Trim(out, "\n")
		}
	} else if width > 4 {
		body = indent(wordwrap.String(body, width-2), "  ")
	}
	return header + "\n" + body
}

// renderMessages renders the whole log, oldest first
func renderMessages(msgs []store.Message, width int, renderer *glamour.TermRenderer) string {
	if len(msgs) == 0 {
		return helpStyle.Render("No messages yet.")
	}
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		parts = append(parts, renderMessage(msg, width, renderer))
	}
	return strings.Join(parts, "\n")
}

func renderPresence(presence []string) string {
	if len(presence) == 0 {
		return presenceStyle.Render("nobody online")
	}
	return presenceStyle.Render("online: " + strings.Join(presence, ", "))
}

// renderStatus renders the connection indicator
func renderStatus(status connection.Status, spinner string) string {
	switch status {
	case connection.StatusOpen:
		return statusOpenStyle.Render("● connected")
	case connection.StatusConnecting:
		return statusPendingStyle.Render(strings.TrimSpace(spinner + " connecting"))
	case connection.StatusError:
		return statusDownStyle.Render("● connection error")
	default:
		return statusDownStyle.Render("○ disconnected")
	}
}

// describeError turns a session error into a short line for the footer
func describeError(err error) string {
	var cerr *connection.Error
	if !errors.As(err, &cerr) || (cerr.Err == nil && cerr.Kind != connection.KindAbnormalClosure) {
		return err.Error()
	}
	switch cerr.Kind {
	case connection.KindAbnormalClosure:
		if cerr.Reason != "" {
			return fmt.Sprintf("connection lost (code %d: %s)", cerr.Code, cerr.Reason)
		}
		return fmt.Sprintf("connection lost (code %d)", cerr.Code)
	case connection.KindTransport:
		return fmt.Sprintf("connection failed: %v", cerr.Err)
	case connection.KindProtocol:
		return fmt.Sprintf("ignored a malformed message: %v", cerr.Err)
	default:
		return cerr.Err.Error()
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
