package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

// MockAssistant answers without a model, echoing what it heard
type MockAssistant struct{}

var _ repositories.Assistant = MockAssistant{}

// NewMockAssistant creates a new mock assistant
func NewMockAssistant() MockAssistant {
	return MockAssistant{}
}

// StartChat implements repositories.Assistant
func (MockAssistant) StartChat(ctx context.Context, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return &MockChatSession{history: append([]repositories.ChatMessage(nil), history...)}, nil
}

// MockChatSession implements repositories.ChatSession
type MockChatSession struct {
	history []repositories.ChatMessage
}

// SendMessage implements repositories.ChatSession
func (m *MockChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	m.history = append(m.history, message)

	var response string
	switch content := strings.TrimSpace(message.Content); {
	case content == "":
		response = "I'm here. What would you like to talk about?"
	case strings.HasSuffix(content, "?"):
		response = fmt.Sprintf("Good question. You asked: %s I don't know yet, but I'm listening.", content)
	default:
		response = fmt.Sprintf("You said '%s'. Tell me more.", content)
	}

	reply := repositories.ChatMessage{Role: repositories.AssistantRole, Content: response}
	m.history = append(m.history, reply)
	return reply, nil
}

// History implements repositories.ChatSession
func (m *MockChatSession) History() ([]repositories.ChatMessage, error) {
	return m.history, nil
}
