package tui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/roomchat/internal/chatsession"
	"github.com/codefionn/roomchat/internal/connection"
	"github.com/codefionn/roomchat/internal/store"
	"golang.org/x/term"
)

const (
	defaultInputPlaceholder = "Type a message and press Enter..."
	defaultWidth            = 80
	defaultHeight           = 24
	// chromeHeight is the number of lines used by header, status line, input and help
	chromeHeight = 7
)

// Session is what the terminal UI needs from a joined room
type Session interface {
	SendMessage(text string) error
	Reconnect() error
	Leave() error
	Status() connection.Status
	Snapshot() store.Snapshot
	Room() string
	Identity() chatsession.Identity
	Subscribe(fn func(chatsession.Event)) func()
	Done() <-chan struct{}
}

// EventMsg carries a session event into the bubbletea loop
type EventMsg struct {
	Event chatsession.Event
}

// Options configures the chat UI
type Options struct {
	// Markdown renders message bodies with glamour
	Markdown bool
	// DisableAnimations replaces the connecting spinner with static text
	DisableAnimations bool
	// Events is the buffer registered with chatsession.WithSubscriber when
	// the session was joined. The UI then replays the session from its first
	// event. Without it the UI subscribes late and starts from the current
	// status.
	Events *EventBuffer
}

// Model is the bubbletea model of a chat room
type Model struct {
	session  Session
	opts     Options
	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	width  int
	height int

	status       connection.Status
	snapshot     store.Snapshot
	err          error
	canReconnect bool
	quitting     bool
}

// NewModel creates the chat model for s
func NewModel(s Session, opts Options) *Model {
	ta := textarea.New()
	ta.Placeholder = defaultInputPlaceholder
	ta.Focus()
	ta.Prompt = "│ "
	ta.CharLimit = 4000
	ta.SetWidth(defaultWidth)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	m := &Model{
		session:  s,
		opts:     opts,
		viewport: viewport.New(defaultWidth, defaultHeight-chromeHeight),
		input:    ta,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Line),
			spinner.WithStyle(statusPendingStyle),
		),
		width:  defaultWidth,
		height: defaultHeight,
	}
	if opts.Events == nil {
		m.status = s.Status()
		m.snapshot = s.Snapshot()
	}

	if width, height, ok := detectTerminalSize(); ok {
		m.resize(width, height)
	} else {
		m.refreshViewport()
	}
	return m
}

func detectTerminalSize() (int, int, bool) {
	for _, f := range []*os.File{os.Stdout, os.Stdin, os.Stderr} {
		fd := int(f.Fd())
		if !term.IsTerminal(fd) {
			continue
		}
		if width, height, err := term.GetSize(fd); err == nil && width > 0 && height > 0 {
			return width, height, true
		}
	}
	return 0, 0, false
}

func (m *Model) Init() tea.Cmd {
	if m.opts.DisableAnimations {
		return textarea.Blink
	}
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			if err := m.session.Leave(); err != nil {
				m.err = err
			}
			return m, tea.Quit
		case tea.KeyCtrlR:
			m.reconnect()
			return m, nil
		case tea.KeyEnter:
			m.send()
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case EventMsg:
		m.applyEvent(msg.Event)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// applyEvent folds a session event into what the model shows
func (m *Model) applyEvent(ev chatsession.Event) {
	m.status = ev.Status
	m.snapshot = ev.Snapshot

	switch ev.Kind {
	case connection.EventStatus:
		switch {
		case ev.Err != nil:
			m.err = ev.Err
		case ev.Status == connection.StatusOpen:
			m.err = nil
		}
		m.canReconnect = ev.Status == connection.StatusError ||
			connection.KindOf(ev.Err) == connection.KindAbnormalClosure
		if ev.Status == connection.StatusOpen || ev.Status == connection.StatusConnecting {
			m.canReconnect = false
		}
	case connection.EventDiagnostic:
		m.err = ev.Err
	}
	m.refreshViewport()
}

func (m *Model) send() {
	text := m.input.Value()
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := m.session.SendMessage(text); err != nil {
		m.err = err
		return
	}
	m.err = nil
	m.input.Reset()
}

func (m *Model) reconnect() {
	if err := m.session.Reconnect(); err != nil {
		m.err = err
		return
	}
	m.err = nil
	m.canReconnect = false
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.input.SetWidth(width)
	m.viewport.Width = width
	m.viewport.Height = max(height-chromeHeight, 3)

	if m.opts.Markdown {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(max(width-4, 20)),
			glamour.WithPreservedNewLines(),
		)
		if err == nil {
			m.renderer = renderer
		}
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderMessages(m.snapshot.Messages, m.width, m.renderer))
	if atBottom || m.viewport.TotalLineCount() <= m.viewport.Height {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	id := m.session.Identity()
	header := headerStyle.Render(fmt.Sprintf("#%s", m.session.Room())) + " " +
		presenceStyle.Render("as "+id.Username)

	spin := ""
	if !m.opts.DisableAnimations {
		spin = m.spinner.View()
	}
	statusLine := renderStatus(m.status, spin) + "  " + renderPresence(m.snapshot.Presence)
	if m.err != nil {
		statusLine += errorStyle.Render(describeError(m.err))
	}

	help := "enter send • pgup/pgdown scroll • esc leave"
	if m.canReconnect {
		help = "ctrl+r reconnect • " + help
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		statusLine,
		m.input.View(),
		helpStyle.Render(help),
	)
}

// attachEvents applies the events buffered so far and hands every later one
// to send. It runs before the program starts, so m is not shared yet.
func (m *Model) attachEvents(events *EventBuffer, send func(tea.Msg)) {
	for _, ev := range events.attach(func(ev chatsession.Event) {
		send(EventMsg{Event: ev})
	}) {
		m.applyEvent(ev)
	}
}

// Run shows the chat UI for s until the user leaves
func Run(s Session, opts Options) error {
	events, unsubscribe := subscribeEvents(s, opts.Events)
	defer unsubscribe()

	m := NewModel(s, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	m.attachEvents(events, p.Send)

	if _, err := p.Run(); err != nil {
		_ = s.Leave()
		return fmt.Errorf("chat ui: %w", err)
	}
	return nil
}
