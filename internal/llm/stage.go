package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/interview-bot/internal/pipeline"
)

// MaxConsecutiveFailures is how many failed responses in a row end the session.
const MaxConsecutiveFailures = 3

// Stage is the response generation stage. A ContextFrame starts a streamed
// response; an interruption cancels it.
type Stage struct {
	gen    Generator
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	failures int
}

// NewStage creates the generation stage.
func NewStage(gen Generator, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{gen: gen, logger: logger}
}

func (s *Stage) Name() string { return "llm" }

func (s *Stage) Process(ctx context.Context, f pipeline.Frame, push pipeline.Push) error {
	cf, ok := f.(pipeline.ContextFrame)
	if !ok {
		if f.Kind() != pipeline.KindControl {
			push(f)
		}
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	push(pipeline.ResponseStartFrame{})
	var streamErr error
	for delta, err := range s.gen.Generate(runCtx, cf.Messages) {
		if err != nil {
			streamErr = err
			break
		}
		if delta != "" {
			push(pipeline.TextFrame{Text: delta})
		}
	}
	push(pipeline.ResponseEndFrame{})

	if streamErr != nil && runCtx.Err() != nil {
		// Interrupted or shutting down.
		return nil
	}
	return s.record(streamErr)
}

func (s *Stage) record(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.failures = 0
		return nil
	}
	s.failures++
	if s.failures >= MaxConsecutiveFailures {
		return pipeline.Fatal(fmt.Errorf("%d consecutive generation failures: %w", s.failures, err))
	}
	s.logger.Warn("[LLM] Generation failed, turn dropped", "error", err, "failures", s.failures)
	return fmt.Errorf("generate response: %w", err)
}

// Interrupt cancels the response in progress.
func (s *Stage) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
