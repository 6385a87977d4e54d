package websocket

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/satriahrh/arunika/client/domain"
)

// WriteData is a single outbound frame
type WriteData struct {
	// Type is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// TextFrame wraps raw text, e.g. a transcript or the disconnect sentinel
func TextFrame(text string) WriteData {
	return WriteData{Type: websocket.TextMessage, Payload: []byte(text)}
}

// JSONFrame marshals v into a text frame
func JSONFrame(v any) (WriteData, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return WriteData{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return WriteData{Type: websocket.TextMessage, Payload: payload}, nil
}

// BinaryFrame wraps an audio payload
func BinaryFrame(data []byte) WriteData {
	return WriteData{Type: websocket.BinaryMessage, Payload: data}
}

// DecodeFrame turns a frame received from the assistant into an InboundFrame.
// Binary frames are audio. Text frames are JSON {text} or {error}; anything
// else readable as text degrades to a raw frame instead of failing.
func DecodeFrame(messageType int, payload []byte) (domain.InboundFrame, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return domain.InboundFrame{Kind: domain.FrameAudio, Audio: payload}, nil
	case websocket.TextMessage:
		var msg domain.AssistantMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return domain.InboundFrame{Kind: domain.FrameRaw, Text: string(payload)}, nil
		}
		switch {
		case msg.Error != "":
			return domain.InboundFrame{Kind: domain.FrameError, Text: msg.Error}, nil
		case msg.Text != "":
			return domain.InboundFrame{Kind: domain.FrameText, Text: msg.Text}, nil
		default:
			return domain.InboundFrame{Kind: domain.FrameRaw, Text: string(payload)}, nil
		}
	default:
		return domain.InboundFrame{}, fmt.Errorf("unsupported message type: %d", messageType)
	}
}

// ClientMessage is a decoded frame sent by a client, as seen by the assistant side
type ClientMessage struct {
	// Type is empty for raw transcripts and the disconnect sentinel
	Type     domain.MessageType
	Text     string
	Username string
	Email    string
}

// IsDisconnect reports whether the client asked to close the session
func (m ClientMessage) IsDisconnect() bool {
	return m.Type == "" && strings.TrimSpace(m.Text) == domain.DisconnectSignal
}

// ParseClientMessage decodes a client text frame. JSON objects must carry a
// known type; any other payload is a transcript.
func ParseClientMessage(payload []byte) (ClientMessage, error) {
	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		return ClientMessage{Text: trimmed}, nil
	}

	var base struct {
		Type     domain.MessageType `json:"type"`
		Username string             `json:"username"`
		Email    string             `json:"email"`
	}
	if err := json.Unmarshal(payload, &base); err != nil {
		// Not a control message, someone said something that starts with a brace.
		return ClientMessage{Text: trimmed}, nil
	}

	switch base.Type {
	case domain.MessageTypeInit:
		if base.Username == "" || base.Email == "" {
			return ClientMessage{}, fmt.Errorf("init message requires username and email")
		}
		return ClientMessage{Type: base.Type, Username: base.Username, Email: base.Email}, nil
	case domain.MessageTypeNoInputTimeout, domain.MessageTypeFinalGoodbye:
		return ClientMessage{Type: base.Type}, nil
	default:
		return ClientMessage{}, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}
