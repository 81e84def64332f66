// Package session runs interview sessions: one orchestrator per connection
// driving the pipeline, the interview phases and transcript persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/interview-bot/internal/convlog"
	"github.com/ashureev/interview-bot/internal/domain"
	"github.com/ashureev/interview-bot/internal/pipeline"
	"github.com/ashureev/interview-bot/internal/prompt"
	"github.com/ashureev/interview-bot/internal/store"
	"github.com/ashureev/interview-bot/internal/transport"
)

// State is the orchestrator lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason records why a session ended.
type Reason string

const (
	ReasonDisconnected  Reason = "disconnected"
	ReasonClosed        Reason = "closed"
	ReasonPipelineError Reason = "pipeline_error"
	ReasonContext       Reason = "context"
)

// Defaults applied when Config fields are zero.
const (
	DefaultSaveTimeout  = 10 * time.Second
	DefaultDrainTimeout = 5 * time.Second
)

// PipelineBuilder assembles the media pipeline for one session. user must be
// placed after speech recognition and the assistant aggregator must write to
// transcript.
type PipelineBuilder func(conn transport.Connection, transcript *domain.Transcript, user *pipeline.UserAggregator) (*pipeline.Pipeline, error)

// ProblemWriter produces the problem statement during the transition.
type ProblemWriter interface {
	WriteProblem(ctx context.Context, instruction string) (string, error)
}

// Config holds per-process session settings.
type Config struct {
	AllowInterruptions bool
	SaveTimeout        time.Duration
	DrainTimeout       time.Duration
	// Defaults fills interview details the offer left empty.
	Defaults domain.InterviewDetails
}

// Deps are the collaborators of an orchestrator.
type Deps struct {
	Store    store.TranscriptStore
	Builder  PipelineBuilder
	Problems ProblemWriter
	Config   Config
	// Conversation receives spoken turns and phase changes. Nil disables it.
	Conversation convlog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns one interview session from pipeline start to transcript save.
type Orchestrator struct {
	conn    transport.Connection
	deps    Deps
	details domain.InterviewDetails
	logger  *slog.Logger
	now     func() time.Time

	engine     *prompt.Engine
	transcript *domain.Transcript

	state   atomic.Int32
	task    *pipeline.Task
	subs    []transport.Subscription
	greet   sync.Once
	closing chan struct{}
	reason  Reason
	done    chan struct{}

	// barrier holds the next user turn while problem instructions are written.
	barrier *pipeline.ContextBarrier

	mu            sync.Mutex
	phase         *domain.PhaseContext
	transitioning bool
	work          sync.WaitGroup
	fatal         error
}

// New creates an orchestrator for conn. Empty interview details are taken from
// deps.Config.Defaults.
func New(conn transport.Connection, deps Deps, details domain.InterviewDetails, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Conversation == nil {
		deps.Conversation = convlog.Noop{}
	}
	if deps.Config.SaveTimeout <= 0 {
		deps.Config.SaveTimeout = DefaultSaveTimeout
	}
	if deps.Config.DrainTimeout <= 0 {
		deps.Config.DrainTimeout = DefaultDrainTimeout
	}
	details = details.WithDefaults(deps.Config.Defaults)

	return &Orchestrator{
		conn:       conn,
		deps:       deps,
		details:    details,
		logger:     logger.With("user_id", conn.UserID(), "chat_id", conn.ChatID(), "connection_id", conn.ID()),
		now:        deps.Now,
		engine:     prompt.NewEngine(prompt.WithThreshold(details.TransitionAfter)),
		transcript: domain.NewTranscript(),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		barrier:    &pipeline.ContextBarrier{},
	}
}

// Run runs the session until it is closed and its transcript saved. It returns
// the fatal pipeline error, if the session ended because of one.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	intro, err := o.engine.Format(domain.PhaseIntro, prompt.IntroParams(o.details))
	if err != nil {
		return o.abort(fmt.Errorf("render intro: %w", err))
	}
	user := pipeline.NewUserAggregator(o.transcript, o.onUserTurn, pipeline.WithContextGate(o.barrier))
	p, err := o.deps.Builder(o.conn, o.transcript, user)
	if err != nil {
		return o.abort(fmt.Errorf("build pipeline: %w", err))
	}
	o.task = pipeline.NewTask(p, pipeline.Params{
		AllowInterruptions: o.deps.Config.AllowInterruptions,
		Observer:           o.observe,
	}, o.logger)

	now := o.now()
	o.engine.Start(now)
	o.mu.Lock()
	o.phase = domain.NewPhaseContext(now)
	o.mu.Unlock()

	o.subs = append(o.subs,
		o.conn.Subscribe(transport.EventConnected, func(transport.Connection) { o.greetOnce() }),
		o.conn.Subscribe(transport.EventDisconnected, func(transport.Connection) { o.requestClose(ReasonDisconnected) }),
		o.conn.Subscribe(transport.EventClosed, func(transport.Connection) { o.requestClose(ReasonClosed) }),
	)

	// The intro is queued ahead of any greeting. The aggregator appends it once
	// the task runs, which is after the move to RUNNING below.
	if err := o.task.QueueFrames(ctx, pipeline.MessagesAppendFrame{
		Messages: []domain.TurnRecord{{Role: domain.RoleSystem, Content: intro}},
	}); err != nil {
		o.logger.Warn("[SESSION] Failed to queue intro", "error", err)
	}

	o.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	o.logger.Info("[SESSION] Session running", "phase", domain.PhaseIntro.String(), "transition_after", o.engine.Threshold())
	o.record(convlog.Event{EventType: convlog.EventSessionStarted, Phase: domain.PhaseIntro.String()})

	switch o.conn.State() {
	case transport.StateOpen:
		o.greetOnce()
	case transport.StateClosed:
		o.requestClose(ReasonClosed)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- o.task.Run(ctx) }()

	var runErr error
	finished := false
	select {
	case <-o.closing:
	case runErr = <-runDone:
		finished = true
		switch {
		case runErr != nil:
			o.requestClose(ReasonPipelineError)
		case ctx.Err() != nil:
			o.requestClose(ReasonContext)
		default:
			o.requestClose(ReasonClosed)
		}
		<-o.closing
	}

	o.teardown()
	if !finished {
		runErr = <-runDone
	}
	o.work.Wait()

	for _, sub := range o.subs {
		sub.Unsubscribe()
	}
	o.state.Store(int32(StateClosed))
	o.logger.Info("[SESSION] Session closed", "reason", string(o.reason))
	o.record(convlog.Event{EventType: convlog.EventSessionClosed, Content: string(o.reason)})

	if o.reason == ReasonPipelineError {
		if runErr == nil {
			o.mu.Lock()
			runErr = o.fatal
			o.mu.Unlock()
		}
		return runErr
	}
	return nil
}

// abort ends a session that never started running.
func (o *Orchestrator) abort(err error) error {
	o.state.Store(int32(StateClosed))
	o.logger.Error("[SESSION] Failed to start session", "error", err)
	if cerr := o.conn.Close(); cerr != nil {
		o.logger.Debug("[SESSION] Failed to close connection", "error", cerr)
	}
	return err
}

// requestClose moves the session to CLOSING. Only the first caller wins.
func (o *Orchestrator) requestClose(reason Reason) {
	if !o.state.CompareAndSwap(int32(StateRunning), int32(StateClosing)) &&
		!o.state.CompareAndSwap(int32(StateStarting), int32(StateClosing)) {
		return
	}
	o.reason = reason
	o.logger.Info("[SESSION] Session closing", "reason", string(reason))
	close(o.closing)
}

// teardown saves the transcript and releases the pipeline and connection
// according to the close reason.
func (o *Orchestrator) teardown() {
	messages := o.transcript.Seal()

	saveCtx, cancel := context.WithTimeout(context.Background(), o.deps.Config.SaveTimeout)
	record, err := o.deps.Store.Save(saveCtx, o.conn.UserID(), o.conn.ChatID(), messages)
	cancel()
	if err != nil {
		var perr *store.PersistenceError
		if errors.As(err, &perr) {
			o.logger.Error("[SESSION] Failed to persist transcript", "op", perr.Op, "error", perr.Err, "messages", len(messages))
		} else {
			o.logger.Error("[SESSION] Failed to persist transcript", "error", err, "messages", len(messages))
		}
	} else {
		o.logger.Info("[SESSION] Transcript saved", "record_id", record.ID, "messages", len(messages))
	}

	switch o.reason {
	case ReasonDisconnected:
		drainCtx, cancel := context.WithTimeout(context.Background(), o.deps.Config.DrainTimeout)
		if err := o.task.Stop(drainCtx); err != nil {
			o.logger.Warn("[SESSION] Pipeline did not drain", "error", err)
		}
		cancel()
		o.closeConn()
	case ReasonClosed:
		o.task.Cancel()
	default:
		o.task.Cancel()
		o.closeConn()
	}
}

func (o *Orchestrator) closeConn() {
	if err := o.conn.Close(); err != nil {
		o.logger.Debug("[SESSION] Failed to close connection", "error", err)
	}
}

// greetOnce asks the interviewer to open the conversation.
func (o *Orchestrator) greetOnce() {
	if o.State() != StateRunning {
		return
	}
	o.greet.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := o.task.QueueFrames(ctx, pipeline.RunFrame{}); err != nil {
			o.logger.Warn("[SESSION] Failed to queue greeting", "error", err)
		}
	})
}

// onUserTurn is the tick of the phase policy. The transition itself runs on
// its own goroutine because it queues frames into the pipeline that called us.
func (o *Orchestrator) onUserTurn(ctx context.Context, turn domain.TurnRecord) {
	if o.State() != StateRunning {
		return
	}
	o.record(convlog.Event{EventType: convlog.EventUserTurn, Role: string(turn.Role), Content: turn.Content})
	now := o.now()

	o.mu.Lock()
	due := o.phase.Current != domain.PhaseProblemSolving && !o.transitioning && o.engine.ShouldTransition(now)
	var release func([]domain.TurnRecord)
	if due {
		// Held before returning, so the next turn waits for the instructions.
		if release = o.barrier.Hold(); release == nil {
			due = false
		}
	}
	if due {
		o.transitioning = true
		o.work.Add(1)
	}
	o.mu.Unlock()

	if due {
		go o.transition(ctx, release)
	}
}

// transition writes the problem and hands both instructions to the user
// aggregator through release. A failure releases nothing and is retried on
// the next user turn.
func (o *Orchestrator) transition(ctx context.Context, release func([]domain.TurnRecord)) {
	defer o.work.Done()
	defer func() {
		o.mu.Lock()
		o.transitioning = false
		o.mu.Unlock()
	}()
	defer release(nil)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("phase transition panicked: %v", r)
			o.logger.Error("[SESSION] Phase transition panicked", "panic", r, "stack", string(debug.Stack()))
			o.mu.Lock()
			o.fatal = err
			o.mu.Unlock()
			o.requestClose(ReasonPipelineError)
		}
	}()

	instruction, err := o.engine.Format(domain.PhaseProblemGeneration, prompt.ProblemParams(o.details))
	if err != nil {
		o.logger.Error("[SESSION] Failed to render problem generation", "error", err)
		return
	}

	o.mu.Lock()
	if o.phase.Current < domain.PhaseProblemGeneration {
		if err := o.phase.Advance(domain.PhaseProblemGeneration, o.now()); err != nil {
			o.logger.Warn("[SESSION] Phase advance rejected", "error", err)
		}
	}
	o.mu.Unlock()
	o.logger.Info("[SESSION] Generating problem", "phase", domain.PhaseProblemGeneration.String())

	problem, err := o.deps.Problems.WriteProblem(ctx, instruction)
	if err != nil {
		// Retried on the next user turn.
		o.logger.Warn("[SESSION] Problem generation failed", "error", err)
		return
	}
	solving, err := o.engine.Format(domain.PhaseProblemSolving, prompt.SolvingParams(problem))
	if err != nil {
		o.logger.Error("[SESSION] Failed to render problem solving", "error", err)
		return
	}

	o.mu.Lock()
	if err := o.phase.SetProblem(problem); err != nil {
		o.mu.Unlock()
		o.logger.Warn("[SESSION] Problem already set", "error", err)
		return
	}
	if err := o.phase.Advance(domain.PhaseProblemSolving, o.now()); err != nil {
		o.mu.Unlock()
		o.logger.Warn("[SESSION] Phase advance rejected", "error", err)
		return
	}
	o.mu.Unlock()

	release([]domain.TurnRecord{
		{Role: domain.RoleSystem, Content: instruction},
		{Role: domain.RoleSystem, Content: o.engine.TransitionNote() + "\n\n" + solving},
	})
	// Flush the instructions into the transcript even if no further turn comes.
	if err := o.task.QueueFrames(ctx, pipeline.MessagesAppendFrame{}); err != nil {
		o.logger.Debug("[SESSION] Failed to queue instruction flush", "error", err)
	}
	o.logger.Info("[SESSION] Phase transition", "phase", domain.PhaseProblemSolving.String())
	o.record(convlog.Event{EventType: convlog.EventPhaseChanged, Phase: domain.PhaseProblemSolving.String(), Content: problem})
}

// observe sees every frame leaving the pipeline. Spoken sentences are logged.
func (o *Orchestrator) observe(f pipeline.Frame) {
	if tf, ok := f.(pipeline.TextFrame); ok && tf.Text != "" {
		o.record(convlog.Event{EventType: convlog.EventAssistantSpeech, Role: string(domain.RoleAssistant), Content: tf.Text})
	}
}

func (o *Orchestrator) record(ev convlog.Event) {
	ev.UserID = o.conn.UserID()
	ev.ChatID = o.conn.ChatID()
	ev.ConnectionID = o.conn.ID()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now().UTC()
	}
	o.deps.Conversation.Log(ev)
}

// ID returns the connection id of the session.
func (o *Orchestrator) ID() string { return o.conn.ID() }

// State returns the lifecycle state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Phase returns the current interview phase.
func (o *Orchestrator) Phase() domain.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == nil {
		return domain.PhaseIntro
	}
	return o.phase.Current
}

// Problem returns the generated problem statement, if any.
func (o *Orchestrator) Problem() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == nil {
		return ""
	}
	return o.phase.Problem
}

// Transcript returns a copy of the turns recorded so far.
func (o *Orchestrator) Transcript() []domain.TurnRecord { return o.transcript.Snapshot() }

// Done is closed when Run returns.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }
