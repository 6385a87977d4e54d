package llm

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.7
	defaultMaxTokens      = 256
	defaultTimeoutSeconds = 30
)

const systemPrompt = `You are a friendly voice assistant. Your replies are spoken aloud,
so keep them to one to three short sentences, avoid lists and markdown, and ask
at most one follow-up question.`

var fallbacks = []string{
	"Sorry, I didn't catch that. Could you say it again?",
	"I'm having trouble thinking right now. Could you repeat that?",
	"Hmm, let me try that again. What did you say?",
}

// GeminiConfig contains the generation settings
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// GeminiConfigFromEnv reads GEMINI_API_KEY and GEMINI_MODEL
func GeminiConfigFromEnv() GeminiConfig {
	return GeminiConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}
	return nil
}

// GeminiAssistant implements the Assistant interface using Google's Gemini API
type GeminiAssistant struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger
}

var _ repositories.Assistant = (*GeminiAssistant)(nil)

// NewGeminiAssistant creates a new Gemini assistant
func NewGeminiAssistant(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiAssistant, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}
	config = withDefaults(config)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Info("Gemini assistant ready", zap.String("model", config.Model))
	return &GeminiAssistant{client: client, config: config, logger: logger}, nil
}

// StartChat creates a chat session with history
func (g *GeminiAssistant) StartChat(ctx context.Context, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return newGeminiChatSession(g.client, g.config, g.logger, history), nil
}

func withDefaults(config GeminiConfig) GeminiConfig {
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Temperature == 0 {
		config.Temperature = defaultTemperature
	}
	if config.MaxOutputTokens == 0 {
		config.MaxOutputTokens = defaultMaxTokens
	}
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = defaultTimeoutSeconds
	}
	return config
}
