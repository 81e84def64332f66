package domain

import (
	"errors"
	"fmt"
	"time"
)

// Phase is a stage of the interview's conversational policy.
type Phase int

const (
	// PhaseIntro is the introductory chat.
	PhaseIntro Phase = iota
	// PhaseProblemGeneration is the short phase where a problem statement is produced.
	PhaseProblemGeneration
	// PhaseProblemSolving is the terminal phase where the candidate works on the problem.
	PhaseProblemSolving
)

var (
	// ErrPhaseRegression is returned when a transition would revisit or skip back a phase.
	ErrPhaseRegression = errors.New("phase transitions are monotonic")
	// ErrProblemAlreadySet is returned when the generated problem is assigned twice.
	ErrProblemAlreadySet = errors.New("generated problem already set")
)

func (p Phase) String() string {
	switch p {
	case PhaseIntro:
		return "intro"
	case PhaseProblemGeneration:
		return "problem_generation"
	case PhaseProblemSolving:
		return "problem_solving"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PhaseContext tracks where a session is in the interview.
// It is owned by a single orchestrator and is not safe for concurrent use.
type PhaseContext struct {
	Current   Phase
	StartedAt time.Time
	Problem   string

	problemSet bool
}

// NewPhaseContext starts a context in the intro phase.
func NewPhaseContext(now time.Time) *PhaseContext {
	return &PhaseContext{Current: PhaseIntro, StartedAt: now}
}

// Advance moves to the next phase. Only forward moves are accepted.
func (c *PhaseContext) Advance(to Phase, now time.Time) error {
	if to <= c.Current {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, c.Current, to)
	}
	c.Current = to
	c.StartedAt = now
	return nil
}

// SetProblem records the generated problem statement. It can only be called once.
func (c *PhaseContext) SetProblem(problem string) error {
	if c.problemSet {
		return ErrProblemAlreadySet
	}
	c.Problem = problem
	c.problemSet = true
	return nil
}

// HasProblem reports whether a problem statement has been recorded.
func (c *PhaseContext) HasProblem() bool {
	return c.problemSet
}
