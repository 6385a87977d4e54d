package llm

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

// GeminiChatSession implements the ChatSession interface
type GeminiChatSession struct {
	client  *genai.Client
	config  GeminiConfig
	logger  *zap.Logger
	history []*genai.Content
}

func newGeminiChatSession(client *genai.Client, config GeminiConfig, logger *zap.Logger, history []repositories.ChatMessage) *GeminiChatSession {
	return &GeminiChatSession{
		client:  client,
		config:  config,
		logger:  logger,
		history: toGeminiContents(history),
	}
}

// SendMessage sends a message and gets a response, updating the history.
// Generation failures produce a spoken fallback instead of an error.
func (s *GeminiChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	contents := append([]*genai.Content{}, s.history...)
	userContent := genai.NewContentFromText(message.Content, genai.RoleUser)
	contents = append(contents, userContent)

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(s.config.Temperature),
		MaxOutputTokens:   int32(s.config.MaxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		response, err = s.client.Models.GenerateContent(ctx, s.config.Model, contents, config)
		if err == nil {
			break
		}

		s.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < 2 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}

	if err != nil {
		s.logger.Error("Failed to send message in chat session", zap.Error(err))
		return s.fallback(userContent), nil
	}

	text := strings.TrimSpace(responseText(response))
	if text == "" {
		s.logger.Warn("Empty response in chat session")
		return s.fallback(userContent), nil
	}

	s.history = append(s.history, userContent, genai.NewContentFromText(text, genai.RoleModel))
	s.logger.Debug("Chat session message processed",
		zap.String("user_message", preview(message.Content)),
		zap.String("response_preview", preview(text)),
		zap.Int("history_length", len(s.history)))

	return repositories.ChatMessage{Role: repositories.AssistantRole, Content: text}, nil
}

// History returns the current conversation history
func (s *GeminiChatSession) History() ([]repositories.ChatMessage, error) {
	return fromGeminiContents(s.history), nil
}

func (s *GeminiChatSession) fallback(userContent *genai.Content) repositories.ChatMessage {
	text := fallbacks[len(s.history)/2%len(fallbacks)]
	s.history = append(s.history, userContent, genai.NewContentFromText(text, genai.RoleModel))
	return repositories.ChatMessage{Role: repositories.AssistantRole, Content: text}
}

func responseText(response *genai.GenerateContentResponse) string {
	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String()
}

func preview(s string) string {
	return s[:min(50, len(s))]
}

// toGeminiContents converts chat messages to Gemini contents
func toGeminiContents(messages []repositories.ChatMessage) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		var role genai.Role = genai.RoleUser
		if msg.Role == repositories.AssistantRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

// fromGeminiContents converts Gemini contents back to chat messages, text parts only
func fromGeminiContents(contents []*genai.Content) []repositories.ChatMessage {
	var messages []repositories.ChatMessage
	for _, content := range contents {
		role := repositories.UserRole
		if content.Role == string(genai.RoleModel) {
			role = repositories.AssistantRole
		}

		var text strings.Builder
		for _, part := range content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			messages = append(messages, repositories.ChatMessage{Role: role, Content: text.String()})
		}
	}
	return messages
}
