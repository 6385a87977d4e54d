package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

const conversationsCollection = "conversations"

// TranscriptRepository stores dev peer conversations, one document per connection
type TranscriptRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// NewTranscriptRepository creates the repository and its indexes
func NewTranscriptRepository(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*TranscriptRepository, error) {
	collection := db.Collection(conversationsCollection)

	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}, {Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "email", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	return &TranscriptRepository{collection: collection, logger: logger}, nil
}

// Create implements repositories.TranscriptRepository
func (r *TranscriptRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if conversation.StartedAt.IsZero() {
		conversation.StartedAt = time.Now()
	}
	if conversation.Turns == nil {
		conversation.Turns = []entities.Turn{}
	}
	if err := conversation.Validate(); err != nil {
		return fmt.Errorf("invalid conversation: %w", err)
	}

	if _, err := r.collection.InsertOne(ctx, conversation); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	r.logger.Debug("Conversation created",
		zap.String("conversation_id", conversation.ID),
		zap.String("username", conversation.Username))
	return nil
}

// AppendTurn implements repositories.TranscriptRepository
func (r *TranscriptRepository) AppendTurn(ctx context.Context, conversationID string, turn entities.Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$push": bson.M{"turns": turn}},
	)
	if err != nil {
		r.logger.Error("Failed to append turn",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return fmt.Errorf("failed to append turn: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrConversationNotFound
	}
	return nil
}

// End implements repositories.TranscriptRepository
func (r *TranscriptRepository) End(ctx context.Context, conversationID string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"ended_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to end conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrConversationNotFound
	}
	return nil
}

// GetByID implements repositories.TranscriptRepository
func (r *TranscriptRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	var conversation entities.Conversation
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &conversation, nil
}
