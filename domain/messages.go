package domain

import "strings"

// MessageType tags the JSON control messages sent to the assistant
type MessageType string

const (
	MessageTypeInit           MessageType = "init"
	MessageTypeNoInputTimeout MessageType = "no_input_timeout"
	MessageTypeFinalGoodbye   MessageType = "final_goodbye"
)

// DisconnectSignal is sent as a raw text frame to request a graceful close
const DisconnectSignal = "disconnect"

// WelcomeMarker is matched case-insensitively against assistant text to detect the welcome
const WelcomeMarker = "welcome"

// IsWelcome reports whether an assistant utterance carries marker, ignoring case.
// An empty marker falls back to WelcomeMarker.
func IsWelcome(text, marker string) bool {
	if marker == "" {
		marker = WelcomeMarker
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(marker))
}

// InitMessage registers the session with the assistant
type InitMessage struct {
	Type     MessageType `json:"type"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
}

// ControlMessage carries a silence escalation
type ControlMessage struct {
	Type MessageType `json:"type"`
}

// AssistantMessage is a JSON text frame pushed by the assistant.
// Exactly one of Text or Error is expected to be set.
type AssistantMessage struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewInitMessage creates an init message
func NewInitMessage(username, email string) InitMessage {
	return InitMessage{Type: MessageTypeInit, Username: username, Email: email}
}

// NewControlMessage creates a control message of the given type
func NewControlMessage(t MessageType) ControlMessage {
	return ControlMessage{Type: t}
}

// FrameKind classifies a decoded frame received from the assistant
type FrameKind int

const (
	// FrameAudio is a binary frame, played verbatim
	FrameAudio FrameKind = iota
	// FrameText is a JSON {text} assistant utterance
	FrameText
	// FrameError is a JSON {error} surfaced as a non-fatal error
	FrameError
	// FrameRaw is a text frame that was not valid JSON, shown as-is
	FrameRaw
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameText:
		return "text"
	case FrameError:
		return "error"
	case FrameRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// InboundFrame is a frame from the assistant after decoding
type InboundFrame struct {
	Kind  FrameKind
	Audio []byte
	Text  string
}
