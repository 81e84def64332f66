// Package store provides transcript persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"

	"github.com/ashureev/interview-bot/internal/domain"
)

// TranscriptStore persists interview transcripts.
type TranscriptStore interface {
	// Save appends a new immutable record for the given user and chat.
	// Records are never updated; repeated saves for the same pair produce history.
	Save(ctx context.Context, userID, chatID string, messages []domain.TurnRecord) (*domain.ChatRecord, error)

	// List returns every stored record for the pair, oldest first.
	List(ctx context.Context, userID, chatID string) ([]*domain.ChatRecord, error)

	// Ping verifies connectivity and returns an error if the store is unreachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// PersistenceError reports a failed store operation.
type PersistenceError struct {
	Op     string
	UserID string
	ChatID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s user=%s chat=%s: %v", e.Op, e.UserID, e.ChatID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
