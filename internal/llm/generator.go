// Package llm generates interviewer responses from the conversation context.
package llm

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/ashureev/interview-bot/internal/domain"
)

// ErrEmptyResponse is returned by Collect when the model produced no text.
var ErrEmptyResponse = errors.New("empty response")

// Generator streams a response for messages as text deltas.
type Generator interface {
	Generate(ctx context.Context, messages []domain.TurnRecord) iter.Seq2[string, error]
}

// Collect runs g and joins the streamed deltas.
func Collect(ctx context.Context, g Generator, messages []domain.TurnRecord) (string, error) {
	var sb strings.Builder
	for delta, err := range g.Generate(ctx, messages) {
		if err != nil {
			return "", err
		}
		sb.WriteString(delta)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

const problemRequest = "Write the problem statement now."

// ProblemWriter asks a Generator for an interview problem statement.
type ProblemWriter struct {
	gen Generator
}

// NewProblemWriter creates a problem writer backed by gen.
func NewProblemWriter(gen Generator) *ProblemWriter {
	return &ProblemWriter{gen: gen}
}

// WriteProblem generates a problem statement following instruction.
func (w *ProblemWriter) WriteProblem(ctx context.Context, instruction string) (string, error) {
	return Collect(ctx, w.gen, []domain.TurnRecord{
		{Role: domain.RoleSystem, Content: instruction},
		{Role: domain.RoleUser, Content: problemRequest},
	})
}
