package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the buffer between two stages.
const DefaultQueueSize = 128

var (
	// ErrTaskDone is returned when frames are queued on a stopped task.
	ErrTaskDone = errors.New("pipeline task is done")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("pipeline task already running")
)

// Params configures a Task.
type Params struct {
	AllowInterruptions bool
	QueueSize          int
	// Observer, if set, is called for every frame leaving the last stage.
	Observer func(Frame)
}

// Task runs a pipeline. Each stage has its own goroutine and input queue, so
// frames are delivered to every stage in the order they were pushed.
type Task struct {
	procs  []Processor
	names  []string
	params Params
	logger *slog.Logger

	queues []chan envelope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	running atomic.Bool
	epoch   atomic.Uint64

	interruptMu sync.Mutex

	errMu sync.Mutex
	err   error
}

// NewTask prepares a task for p. A StartFrame is queued immediately so it
// precedes anything queued before Run.
func NewTask(p *Pipeline, params Params, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	if params.QueueSize <= 0 {
		params.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		procs:  p.Processors(),
		params: params,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.names = make([]string, len(t.procs))
	for i, proc := range t.procs {
		t.names[i] = proc.Name()
	}
	t.queues = make([]chan envelope, len(t.procs)+1)
	for i := range t.queues {
		t.queues[i] = make(chan envelope, params.QueueSize)
	}
	t.queues[0] <- envelope{frame: StartFrame{}}
	return t
}

// Run starts every stage and blocks until the task ends: an EndFrame reached
// the last stage, Cancel was called, ctx was cancelled or a stage failed fatally.
// It returns the fatal StageError, if any.
func (t *Task) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(t.done)

	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()

	t.logger.Info("[PIPELINE] Task started", "stages", len(t.procs))

	var wg sync.WaitGroup
	for i, proc := range t.procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runStage(i, proc)
		}()

		if r, ok := proc.(Runner); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.runSource(i, r)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.runSink()
	}()

	<-t.ctx.Done()
	wg.Wait()

	t.logger.Info("[PIPELINE] Task finished", "error", t.Err())
	return t.Err()
}

// QueueFrames pushes frames into the first stage, in order.
func (t *Task) QueueFrames(ctx context.Context, frames ...Frame) error {
	for _, f := range frames {
		if err := t.ctx.Err(); err != nil {
			return ErrTaskDone
		}
		env := envelope{frame: f, epoch: t.stamp(f)}
		select {
		case t.queues[0] <- env:
		case <-t.ctx.Done():
			return ErrTaskDone
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop queues an EndFrame and waits until it drained through every stage or
// ctx expires, in which case the task is cancelled.
func (t *Task) Stop(ctx context.Context) error {
	if err := t.QueueFrames(ctx, EndFrame{}); err != nil {
		if errors.Is(err, ErrTaskDone) {
			return nil
		}
		t.Cancel()
		return err
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		t.Cancel()
		return fmt.Errorf("drain pipeline: %w", ctx.Err())
	}
}

// Cancel stops the task without draining. It is safe to call more than once
// and after the task has finished.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed when Run returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the fatal error that stopped the task, if any.
func (t *Task) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Epoch returns the current interruption epoch.
func (t *Task) Epoch() uint64 {
	return t.epoch.Load()
}

// stamp returns the epoch for a frame entering the pipeline from outside any
// stage's Process. A user speech start interrupts first.
func (t *Task) stamp(f Frame) uint64 {
	if isUserStart(f) && t.params.AllowInterruptions {
		return t.interrupt()
	}
	return t.epoch.Load()
}

// interrupt advances the epoch and notifies every stage before any frame of the
// new epoch is enqueued.
func (t *Task) interrupt() uint64 {
	t.interruptMu.Lock()
	defer t.interruptMu.Unlock()

	epoch := t.epoch.Add(1)
	for _, proc := range t.procs {
		if in, ok := proc.(Interrupter); ok {
			in.Interrupt()
		}
	}
	t.logger.Debug("[PIPELINE] Interrupted", "epoch", epoch)
	return epoch
}

func (t *Task) stale(env envelope) bool {
	return env.frame.Kind() == KindInterruptible && env.epoch < t.epoch.Load()
}

// pusher returns the Push used by stage i while handling in. Frames produced
// while handling an assistant frame stay in that frame's epoch. Forwarding a
// received speech start does not interrupt again.
func (t *Task) pusher(i int, in *envelope) Push {
	out := t.queues[i+1]
	forwarding := in != nil && isUserStart(in.frame)
	return func(f Frame) {
		var epoch uint64
		switch {
		case isUserStart(f) && t.params.AllowInterruptions && !forwarding:
			epoch = t.interrupt()
		case in != nil && in.frame.Kind() == KindInterruptible:
			epoch = in.epoch
		default:
			epoch = t.epoch.Load()
		}
		select {
		case out <- envelope{frame: f, epoch: epoch}:
		case <-t.ctx.Done():
		}
	}
}

func (t *Task) runStage(i int, proc Processor) {
	in := t.queues[i]
	for {
		var env envelope
		select {
		case <-t.ctx.Done():
			return
		case env = <-in:
		}

		if t.stale(env) {
			continue
		}

		if err := t.process(i, proc, env); err != nil {
			t.handleError(t.names[i], err)
		}

		if env.frame.Kind() == KindControl {
			select {
			case t.queues[i+1] <- env:
			case <-t.ctx.Done():
				return
			}
			if _, ok := env.frame.(EndFrame); ok {
				return
			}
		}
	}
}

func (t *Task) process(i int, proc Processor, env envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fatal(fmt.Errorf("panic: %v", r))
		}
	}()
	return proc.Process(t.ctx, env.frame, t.pusher(i, &env))
}

func (t *Task) runSource(i int, r Runner) {
	defer func() {
		if rec := recover(); rec != nil {
			t.handleError(t.names[i], Fatal(fmt.Errorf("panic: %v", rec)))
		}
	}()
	err := r.Run(t.ctx, t.pusher(i, nil))
	if err != nil && !errors.Is(err, context.Canceled) {
		t.handleError(t.names[i], err)
	}
}

func (t *Task) runSink() {
	in := t.queues[len(t.procs)]
	for {
		var env envelope
		select {
		case <-t.ctx.Done():
			return
		case env = <-in:
		}
		if t.stale(env) {
			continue
		}
		if t.params.Observer != nil {
			t.params.Observer(env.frame)
		}
		if _, ok := env.frame.(EndFrame); ok {
			t.cancel()
			return
		}
	}
}

func (t *Task) handleError(stage string, err error) {
	se := &StageError{Stage: stage, Err: err, Fatal: IsFatal(err)}
	if !se.Fatal {
		t.logger.Warn("[PIPELINE] Stage error, frame dropped", "stage", stage, "error", err)
		return
	}

	t.logger.Error("[PIPELINE] Fatal stage error", "stage", stage, "error", err)
	t.errMu.Lock()
	if t.err == nil {
		t.err = se
	}
	t.errMu.Unlock()
	t.cancel()
}

func isUserStart(f Frame) bool {
	_, ok := f.(UserStartedSpeakingFrame)
	return ok
}
