package session

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/interview-bot/internal/convlog"
	"github.com/ashureev/interview-bot/internal/domain"
	"github.com/ashureev/interview-bot/internal/speech"
)

type memStore struct {
	mu    sync.Mutex
	saves []domain.ChatRecord
	err   error
	// block, when set for a chat, holds its Save until closed.
	block map[string]chan struct{}
}

func newMemStore() *memStore {
	return &memStore{block: make(map[string]chan struct{})}
}

func (s *memStore) Save(ctx context.Context, userID, chatID string, messages []domain.TurnRecord) (*domain.ChatRecord, error) {
	s.mu.Lock()
	gate := s.block[chatID]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := domain.ChatRecord{ID: int64(len(s.saves) + 1), UserID: userID, ChatID: chatID, Messages: messages}
	s.saves = append(s.saves, rec)
	if s.err != nil {
		return nil, s.err
	}
	return &rec, nil
}

func (s *memStore) List(_ context.Context, userID, chatID string) ([]*domain.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ChatRecord
	for i := range s.saves {
		if s.saves[i].UserID == userID && s.saves[i].ChatID == chatID {
			rec := s.saves[i]
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) savesFor(chatID string) []domain.ChatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatRecord
	for _, r := range s.saves {
		if r.ChatID == chatID {
			out = append(out, r)
		}
	}
	return out
}

// scriptedRecognizer treats every audio payload as one complete utterance.
type scriptedRecognizer struct{}

func (scriptedRecognizer) Listen(context.Context) (speech.Stream, error) {
	return &scriptedStream{events: make(chan speech.Event, 32), done: make(chan struct{})}, nil
}

type scriptedStream struct {
	events chan speech.Event
	done   chan struct{}
	once   sync.Once
}

func (s *scriptedStream) SendAudio(_ context.Context, audio []byte) error {
	select {
	case <-s.done:
		return speech.ErrStreamClosed
	default:
	}
	s.events <- speech.Event{Type: speech.EventSpeechStarted}
	s.events <- speech.Event{Type: speech.EventFinal, Text: string(audio), SpeechFinal: true}
	return nil
}

func (s *scriptedStream) Events() <-chan speech.Event { return s.events }
func (s *scriptedStream) Err() error                  { return nil }
func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// echoGenerator greets when there is no user turn yet and otherwise repeats
// the last user turn.
type echoGenerator struct {
	mu    sync.Mutex
	calls [][]domain.TurnRecord
}

func (g *echoGenerator) Generate(_ context.Context, messages []domain.TurnRecord) iter.Seq2[string, error] {
	g.mu.Lock()
	g.calls = append(g.calls, messages)
	g.mu.Unlock()

	reply := "Hello, welcome to the interview."
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			reply = "You said " + messages[i].Content + "."
			break
		}
	}
	return func(yield func(string, error) bool) {
		for _, word := range strings.SplitAfter(reply, " ") {
			if !yield(word, nil) {
				return
			}
		}
	}
}

func (g *echoGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *echoGenerator) lastCall() []domain.TurnRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 {
		return nil
	}
	return g.calls[len(g.calls)-1]
}

type silentSynth struct{}

func (silentSynth) Synthesize(_ context.Context, text string) iter.Seq2[speech.Audio, error] {
	return func(yield func(speech.Audio, error) bool) {
		yield(speech.Audio{Data: []byte(text)}, nil)
	}
}

type fakeProblems struct {
	mu    sync.Mutex
	calls []string
	fail  int
	// gate, when set, delays every answer until it is closed.
	gate  chan struct{}
	panic bool
}

func (p *fakeProblems) WriteProblem(ctx context.Context, instruction string) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, instruction)
	gate, shouldPanic := p.gate, p.panic
	failed := p.fail > 0
	if failed {
		p.fail--
	}
	p.mu.Unlock()

	if shouldPanic {
		panic("problem writer exploded")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failed {
		return "", errors.New("model unavailable")
	}
	return "Reverse a singly linked list.", nil
}

func (p *fakeProblems) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func defaultDetails() domain.InterviewDetails {
	return domain.InterviewDetails{
		AgentName:        "Ada",
		AgentDescription: "a rigorous interviewer",
		Difficulty:       "medium",
		ProblemType:      "coding",
		Topic:            "linked lists",
		Requirements:     "none",
		TransitionAfter:  3 * time.Minute,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countRole(turns []domain.TurnRecord, role domain.Role) int {
	n := 0
	for _, t := range turns {
		if t.Role == role {
			n++
		}
	}
	return n
}

type recordingConvLog struct {
	mu     sync.Mutex
	events []convlog.Event
}

func (r *recordingConvLog) Log(ev convlog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingConvLog) Close() error { return nil }

func (r *recordingConvLog) ofType(eventType string) []convlog.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []convlog.Event
	for _, ev := range r.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
