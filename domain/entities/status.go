package entities

import "time"

// LogKind classifies a message log entry
type LogKind string

const (
	LogKindSystem LogKind = "system"
	LogKindUser   LogKind = "user"
	LogKindAI     LogKind = "ai"
	LogKindError  LogKind = "error"
)

// LogEntry is a single line of the user-visible message log
type LogEntry struct {
	Kind      LogKind   `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is what the display layer receives after every transition
type Status struct {
	SessionID         string          `json:"session_id"`
	ConnectionState   ConnectionState `json:"connection_state"`
	Phase             Phase           `json:"phase"`
	StatusText        string          `json:"status_text"`
	Messages          []LogEntry      `json:"messages"`
	IsListening       bool            `json:"is_listening"`
	IsPlayingAudio    bool            `json:"is_playing_audio"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	MaxReconnects     int             `json:"max_reconnects"`
	WelcomeReceived   bool            `json:"welcome_received"`
	SilenceLevel      SilenceLevel    `json:"silence_level"`
	QueuedChunks      int             `json:"queued_chunks"`
}

// LastMessage returns the newest log entry, if any
func (s Status) LastMessage() (LogEntry, bool) {
	if len(s.Messages) == 0 {
		return LogEntry{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// MessageLog is a bounded, append-only log
type MessageLog struct {
	limit   int
	entries []LogEntry
}

// NewMessageLog creates a log keeping at most limit entries (0 means unbounded)
func NewMessageLog(limit int) *MessageLog {
	return &MessageLog{limit: limit}
}

// Append adds an entry, evicting the oldest when the limit is exceeded
func (l *MessageLog) Append(kind LogKind, content string, at time.Time) LogEntry {
	entry := LogEntry{Kind: kind, Content: content, Timestamp: at}
	l.entries = append(l.entries, entry)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = append([]LogEntry(nil), l.entries[len(l.entries)-l.limit:]...)
	}
	return entry
}

// Entries returns a copy of the log
func (l *MessageLog) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of stored entries
func (l *MessageLog) Len() int {
	return len(l.entries)
}
