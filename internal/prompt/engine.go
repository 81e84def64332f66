package prompt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/interview-bot/internal/domain"
)

// DefaultTransitionAfter is how long the intro chat lasts before a problem is given.
const DefaultTransitionAfter = 3 * time.Minute

// Engine produces instruction text per phase and decides when the intro is over.
// It never changes phase itself; callers own the phase state.
type Engine struct {
	threshold time.Duration
	templates map[domain.Phase]*Template

	mu    sync.RWMutex
	start time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold overrides the elapsed time required before transitioning.
func WithThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.threshold = d
		}
	}
}

// NewEngine creates an engine with the built-in interview templates.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		threshold: DefaultTransitionAfter,
		templates: map[domain.Phase]*Template{
			domain.PhaseIntro:             NewTemplate("intro", introText),
			domain.PhaseProblemGeneration: NewTemplate("problem_generation", problemGenerationText),
			domain.PhaseProblemSolving:    NewTemplate("problem_solving", problemSolvingText),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start records the phase start time used by ShouldTransition.
func (e *Engine) Start(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.start = now
}

// StartedAt returns the recorded phase start time.
func (e *Engine) StartedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.start
}

// Threshold returns the configured transition threshold.
func (e *Engine) Threshold() time.Duration {
	return e.threshold
}

// ShouldTransition reports whether now is at or past start+threshold.
// It is false until Start has been called.
func (e *Engine) ShouldTransition(now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.start.IsZero() {
		return false
	}
	return !now.Before(e.start.Add(e.threshold))
}

// Format renders the instruction for phase.
func (e *Engine) Format(phase domain.Phase, params Params) (string, error) {
	tmpl, ok := e.templates[phase]
	if !ok {
		return "", fmt.Errorf("no template for phase %s", phase)
	}
	return tmpl.Render(params)
}

// Template returns the template used for phase, or nil.
func (e *Engine) Template(phase domain.Phase) *Template {
	return e.templates[phase]
}

// TransitionNote is the system note that announces the problem-solving round.
func (e *Engine) TransitionNote() string {
	return strings.TrimSpace(transitionText)
}

// IntroParams builds the intro parameters from interview details.
func IntroParams(d domain.InterviewDetails) Params {
	return Params{
		"agent_name":        d.AgentName,
		"agent_description": d.AgentDescription,
		"difficulty":        d.Difficulty,
	}
}

// ProblemParams builds the problem generation parameters from interview details.
func ProblemParams(d domain.InterviewDetails) Params {
	return Params{
		"problem_type": d.ProblemType,
		"difficulty":   d.Difficulty,
		"topic":        d.Topic,
		"requirements": d.Requirements,
	}
}

// SolvingParams builds the problem solving parameters.
func SolvingParams(problem string) Params {
	return Params{"problem": problem}
}
