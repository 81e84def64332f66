// Package domain contains core domain types for interview sessions.
package domain

import (
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnRecord is a single message in the session transcript.
// Records are never mutated after they are appended.
type TurnRecord struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is the append-only, ordered record of a session.
// It also serves as the conversation context handed to the language model.
type Transcript struct {
	mu     sync.RWMutex
	turns  []TurnRecord
	sealed bool
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append adds a turn to the end of the transcript.
// It returns false once the transcript has been sealed.
func (t *Transcript) Append(turn TurnRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return false
	}
	t.turns = append(t.turns, turn)
	return true
}

// Snapshot returns a copy of the turns appended so far.
func (t *Transcript) Snapshot() []TurnRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TurnRecord, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns recorded.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Seal stops the transcript from accepting further turns and returns the final snapshot.
func (t *Transcript) Seal() []TurnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	out := make([]TurnRecord, len(t.turns))
	copy(out, t.turns)
	return out
}

// Sealed reports whether Seal has been called.
func (t *Transcript) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}

// ChatRecord is a persisted transcript. Every save produces a new record.
type ChatRecord struct {
	ID        int64        `json:"id"`
	UserID    string       `json:"user_id"`
	ChatID    string       `json:"chat_id"`
	Messages  []TurnRecord `json:"messages"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
