package tui

import "github.com/charmbracelet/lipgloss"

var (
	// headerStyle is the style for the room title bar
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Bold(true).
			Padding(0, 1)

	// selfAuthorStyle marks messages written by the local user
	selfAuthorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// peerAuthorStyle marks messages from everyone else
	peerAuthorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	presenceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	// statusStyles colors the connection indicator by status
	statusOpenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
	statusPendingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))
	statusDownStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			MarginLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)
