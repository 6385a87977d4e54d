package mongo

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

// Requires a running MongoDB instance; skipped when MONGODB_URI is not set.
func TestTranscriptRepository_Integration(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	client, err := NewClient(ctx, uri, "voiceclient_test", logger)
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		client.Database.Drop(ctx)
		client.Close(ctx)
	}()

	repo, err := NewTranscriptRepository(ctx, client.Database, logger)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	conversation := &entities.Conversation{ID: uuid.NewString(), Username: "ana", Email: "ana@example.com"}
	if err := repo.Create(ctx, conversation); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	turns := []entities.Turn{
		{Role: entities.TurnRoleUser, Content: "hello"},
		{Role: entities.TurnRoleAssistant, Content: "hi ana"},
	}
	for _, turn := range turns {
		if err := repo.AppendTurn(ctx, conversation.ID, turn); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}
	if err := repo.End(ctx, conversation.ID); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	stored, err := repo.GetByID(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(stored.Turns) != 2 || stored.Turns[1].Content != "hi ana" {
		t.Errorf("Unexpected turns %+v", stored.Turns)
	}
	if stored.EndedAt == nil {
		t.Error("Expected the conversation to be ended")
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, repositories.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
	if err := repo.AppendTurn(ctx, "missing", turns[0]); !errors.Is(err, repositories.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
}
