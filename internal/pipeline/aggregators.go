package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/ashureev/interview-bot/internal/domain"
)

// TurnHook is called after a completed user turn was recorded and its
// ContextFrame pushed. It runs on the aggregator goroutine, so a gate held
// before it returns applies to the next turn.
type TurnHook func(ctx context.Context, turn domain.TurnRecord)

// ContextGate is consulted by the user aggregator before it records a turn or
// requests a response. Wait blocks while an update is pending and returns the
// messages to append first.
type ContextGate interface {
	Wait(ctx context.Context) []domain.TurnRecord
}

// ContextBarrier is a ContextGate for one pending update at a time.
type ContextBarrier struct {
	mu       sync.Mutex
	pending  chan struct{}
	messages []domain.TurnRecord
}

// Hold marks an update as pending until release is called. release is safe to
// call more than once; only the first call counts. Hold returns nil when an
// update is already pending.
func (b *ContextBarrier) Hold() (release func([]domain.TurnRecord)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		return nil
	}
	done := make(chan struct{})
	b.pending = done
	var once sync.Once
	return func(messages []domain.TurnRecord) {
		once.Do(func() {
			b.mu.Lock()
			b.messages = append(b.messages, messages...)
			b.pending = nil
			b.mu.Unlock()
			close(done)
		})
	}
}

// Wait blocks until no update is pending, then hands over the released
// messages. It returns early when ctx ends.
func (b *ContextBarrier) Wait(ctx context.Context) []domain.TurnRecord {
	b.mu.Lock()
	pending := b.pending
	b.mu.Unlock()
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.messages
	b.messages = nil
	return out
}

// UserAggregatorOption configures a UserAggregator.
type UserAggregatorOption func(*UserAggregator)

// WithContextGate makes the aggregator wait on gate before each turn.
func WithContextGate(gate ContextGate) UserAggregatorOption {
	return func(a *UserAggregator) { a.gate = gate }
}

// UserAggregator records system messages and user utterances in the transcript
// and requests responses.
type UserAggregator struct {
	transcript *domain.Transcript
	onTurn     TurnHook
	gate       ContextGate

	speaking bool
	parts    []string
}

// NewUserAggregator creates a user aggregator writing to transcript.
func NewUserAggregator(transcript *domain.Transcript, onTurn TurnHook, opts ...UserAggregatorOption) *UserAggregator {
	a := &UserAggregator{transcript: transcript, onTurn: onTurn}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *UserAggregator) Name() string { return "user_aggregator" }

func (a *UserAggregator) Process(ctx context.Context, f Frame, push Push) error {
	switch f := f.(type) {
	case MessagesAppendFrame:
		a.sync(ctx)
		for _, m := range f.Messages {
			a.transcript.Append(m)
		}
		if f.Run {
			push(ContextFrame{Messages: a.transcript.Snapshot()})
		}
	case RunFrame:
		a.sync(ctx)
		push(ContextFrame{Messages: a.transcript.Snapshot()})
	case UserStartedSpeakingFrame:
		a.speaking = true
		push(f)
	case UserStoppedSpeakingFrame:
		a.speaking = false
		push(f)
		a.commit(ctx, push)
	case TranscriptionFrame:
		if text := strings.TrimSpace(f.Text); text != "" {
			a.parts = append(a.parts, text)
		}
		if !a.speaking {
			a.commit(ctx, push)
		}
	case InterimTranscriptionFrame:
	default:
		push(f)
	}
	return nil
}

func (a *UserAggregator) commit(ctx context.Context, push Push) {
	if len(a.parts) == 0 {
		return
	}
	turn := domain.TurnRecord{Role: domain.RoleUser, Content: strings.Join(a.parts, " ")}
	a.parts = nil

	a.sync(ctx)
	if !a.transcript.Append(turn) {
		return
	}
	push(ContextFrame{Messages: a.transcript.Snapshot()})
	if a.onTurn != nil {
		a.onTurn(ctx, turn)
	}
}

// sync appends whatever the gate released, waiting for a pending update.
func (a *UserAggregator) sync(ctx context.Context) {
	if a.gate == nil {
		return
	}
	for _, m := range a.gate.Wait(ctx) {
		a.transcript.Append(m)
	}
}

// AssistantAggregator records each spoken assistant response as one turn.
type AssistantAggregator struct {
	transcript *domain.Transcript

	mu     sync.Mutex
	active bool
	parts  []string
}

// NewAssistantAggregator creates an assistant aggregator writing to transcript.
func NewAssistantAggregator(transcript *domain.Transcript) *AssistantAggregator {
	return &AssistantAggregator{transcript: transcript}
}

func (a *AssistantAggregator) Name() string { return "assistant_aggregator" }

func (a *AssistantAggregator) Process(_ context.Context, f Frame, push Push) error {
	switch f := f.(type) {
	case ResponseStartFrame:
		a.mu.Lock()
		a.active = true
		a.parts = nil
		a.mu.Unlock()
	case TextFrame:
		a.mu.Lock()
		if a.active {
			if text := strings.TrimSpace(f.Text); text != "" {
				a.parts = append(a.parts, text)
			}
		}
		a.mu.Unlock()
	case ResponseEndFrame:
		a.mu.Lock()
		a.commitLocked()
		a.mu.Unlock()
	}
	push(f)
	return nil
}

// Interrupt keeps the part of the response that was already spoken.
func (a *AssistantAggregator) Interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commitLocked()
}

func (a *AssistantAggregator) commitLocked() {
	if !a.active {
		return
	}
	a.active = false
	text := strings.Join(a.parts, " ")
	a.parts = nil
	if text == "" {
		return
	}
	a.transcript.Append(domain.TurnRecord{Role: domain.RoleAssistant, Content: text})
}
