package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/arunika/client/domain/entities"
)

// ErrConversationNotFound is returned when a conversation does not exist
var ErrConversationNotFound = errors.New("conversation not found")

// TranscriptRepository persists dev peer conversations
type TranscriptRepository interface {
	Create(ctx context.Context, conversation *entities.Conversation) error
	AppendTurn(ctx context.Context, conversationID string, turn entities.Turn) error
	End(ctx context.Context, conversationID string) error
	GetByID(ctx context.Context, id string) (*entities.Conversation, error)
}
