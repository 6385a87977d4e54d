package entities

import (
	"errors"
	"time"
)

// TurnRole identifies who produced a conversation turn
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Conversation is the dev peer's record of one connected client
type Conversation struct {
	ID        string     `json:"id" bson:"_id"`
	Username  string     `json:"username" bson:"username"`
	Email     string     `json:"email" bson:"email"`
	StartedAt time.Time  `json:"started_at" bson:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	Turns     []Turn     `json:"turns" bson:"turns"`
}

// Turn is a single utterance within a conversation
type Turn struct {
	Role      TurnRole  `json:"role" bson:"role"`
	Content   string    `json:"content" bson:"content"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Validate validates the conversation data
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	return nil
}
