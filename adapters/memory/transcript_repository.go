package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

// TranscriptRepository keeps conversations in memory for the lifetime of the process
type TranscriptRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entities.Conversation
	now           func() time.Time
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// NewTranscriptRepository creates an empty repository
func NewTranscriptRepository() *TranscriptRepository {
	return &TranscriptRepository{
		conversations: make(map[string]*entities.Conversation),
		now:           time.Now,
	}
}

// Create implements repositories.TranscriptRepository
func (m *TranscriptRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return fmt.Errorf("invalid conversation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversation.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conversation.ID)
	}
	if conversation.StartedAt.IsZero() {
		conversation.StartedAt = m.now()
	}
	m.conversations[conversation.ID] = clone(conversation)
	return nil
}

// AppendTurn implements repositories.TranscriptRepository
func (m *TranscriptRepository) AppendTurn(ctx context.Context, conversationID string, turn entities.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return repositories.ErrConversationNotFound
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}
	conversation.Turns = append(conversation.Turns, turn)
	return nil
}

// End implements repositories.TranscriptRepository
func (m *TranscriptRepository) End(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return repositories.ErrConversationNotFound
	}
	endedAt := m.now()
	conversation.EndedAt = &endedAt
	return nil
}

// GetByID implements repositories.TranscriptRepository
func (m *TranscriptRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversation, exists := m.conversations[id]
	if !exists {
		return nil, repositories.ErrConversationNotFound
	}
	return clone(conversation), nil
}

// Len returns the number of stored conversations
func (m *TranscriptRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

func clone(c *entities.Conversation) *entities.Conversation {
	copied := *c
	copied.Turns = append([]entities.Turn(nil), c.Turns...)
	if c.EndedAt != nil {
		endedAt := *c.EndedAt
		copied.EndedAt = &endedAt
	}
	return &copied
}
