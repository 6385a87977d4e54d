// Package display renders session status in the terminal.
package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

// Theme defines the color scheme of the terminal output
type Theme struct {
	Primary lipgloss.Color
	User    lipgloss.Color
	AI      lipgloss.Color
	Error   lipgloss.Color
	Dim     lipgloss.Color
}

// DefaultTheme is the default theme
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	User:    lipgloss.Color("#61afef"),
	AI:      lipgloss.Color("#c678dd"),
	Error:   lipgloss.Color("#e06c75"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds the styles derived from a theme
type Styles struct {
	Status lipgloss.Style
	Badge  lipgloss.Style
	System lipgloss.Style
	User   lipgloss.Style
	AI     lipgloss.Style
	Error  lipgloss.Style
}

// NewStyles creates styles from a theme
func NewStyles(t Theme) Styles {
	return Styles{
		Status: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Badge:  lipgloss.NewStyle().Foreground(t.Dim),
		System: lipgloss.NewStyle().Foreground(t.Dim),
		User:   lipgloss.NewStyle().Bold(true).Foreground(t.User),
		AI:     lipgloss.NewStyle().Foreground(t.AI),
		Error:  lipgloss.NewStyle().Bold(true).Foreground(t.Error),
	}
}

// Terminal is a StatusSink printing new log entries and status changes as they happen
type Terminal struct {
	out    io.Writer
	styles Styles

	mu         sync.Mutex
	last       entities.LogEntry
	hasLast    bool
	lastStatus string
}

var _ repositories.StatusSink = (*Terminal)(nil)

// NewTerminal creates a terminal sink writing to out
func NewTerminal(out io.Writer, styles Styles) *Terminal {
	return &Terminal{out: out, styles: styles}
}

// Publish implements repositories.StatusSink
func (t *Terminal) Publish(status entities.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.unseen(status.Messages) {
		fmt.Fprintln(t.out, t.renderEntry(entry))
	}
	if n := len(status.Messages); n > 0 {
		t.last = status.Messages[n-1]
		t.hasLast = true
	}

	line := t.renderStatus(status)
	if line != t.lastStatus {
		t.lastStatus = line
		fmt.Fprintln(t.out, line)
	}
}

// unseen returns the entries after the last one printed. The log is bounded,
// so the last printed entry is looked up instead of counted.
func (t *Terminal) unseen(messages []entities.LogEntry) []entities.LogEntry {
	if !t.hasLast {
		return messages
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] == t.last {
			return messages[i+1:]
		}
	}
	return messages
}

func (t *Terminal) renderEntry(entry entities.LogEntry) string {
	stamp := entry.Timestamp.Format("15:04:05")
	switch entry.Kind {
	case entities.LogKindUser:
		return t.styles.User.Render(stamp + " you> " + entry.Content)
	case entities.LogKindAI:
		return t.styles.AI.Render(stamp + " ai> " + entry.Content)
	case entities.LogKindError:
		return t.styles.Error.Render(stamp + " ! " + entry.Content)
	default:
		return t.styles.System.Render(stamp + " - " + entry.Content)
	}
}

func (t *Terminal) renderStatus(status entities.Status) string {
	badge := fmt.Sprintf("[%s]", status.Phase)
	if status.IsListening {
		badge += " [mic]"
	}
	if status.IsPlayingAudio {
		badge += fmt.Sprintf(" [playing %d]", status.QueuedChunks)
	}
	if status.ReconnectAttempts > 0 {
		badge += fmt.Sprintf(" [reconnect %d/%d]", status.ReconnectAttempts, status.MaxReconnects)
	}
	return t.styles.Status.Render(status.StatusText) + " " + t.styles.Badge.Render(badge)
}
