// ABOUTME: Transcript archive types and the TranscriptStore interface
// ABOUTME: Conversations and finished turns persisted as best-effort history

package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidTurn = errors.New("invalid turn")
)

// Turn outcomes as archived. The chat package owns their meaning.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Conversation is the archived header of a conversation.
type Conversation struct {
	ID        string
	Workflow  string // empty for single-agent conversations
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one finished message: a user input or a complete assistant reply.
type Turn struct {
	MessageID      string
	ConversationID string
	Role           string
	Content        string
	Outcome        string
	Agents         []string // agents that contributed, in order
	InputTokens    int64
	OutputTokens   int64
	CreatedAt      time.Time
	FinishedAt     time.Time
}

// TranscriptStore archives conversations and their turns.
type TranscriptStore interface {
	// EnsureConversation creates the conversation or bumps its UpdatedAt.
	// A non-empty Workflow replaces the stored one.
	EnsureConversation(ctx context.Context, conv *Conversation) error

	// GetConversation returns ErrNotFound for unknown ids.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns the most recently updated conversations first.
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// SaveTurn inserts or replaces a turn, creating its conversation if needed.
	SaveTurn(ctx context.Context, turn *Turn) error

	// ListTurns returns the most recent limit turns in chronological order.
	// A limit <= 0 returns every turn.
	ListTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error)

	Close() error
}

func validateTurn(turn *Turn) error {
	switch {
	case turn == nil:
		return ErrInvalidTurn
	case turn.MessageID == "":
		return errors.Join(ErrInvalidTurn, errors.New("message id is required"))
	case turn.ConversationID == "":
		return errors.Join(ErrInvalidTurn, errors.New("conversation id is required"))
	}
	return nil
}
