package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type passthrough struct{ name string }

func (p passthrough) Name() string { return p.name }

func (p passthrough) Process(_ context.Context, f Frame, push Push) error {
	if f.Kind() != KindControl {
		push(f)
	}
	return nil
}

type funcProcessor struct {
	name string
	fn   func(ctx context.Context, f Frame, push Push) error
}

func (p *funcProcessor) Name() string { return p.name }

func (p *funcProcessor) Process(ctx context.Context, f Frame, push Push) error {
	return p.fn(ctx, f, push)
}

// gate blocks on the first text frame until interrupted.
type gate struct {
	entered     chan struct{}
	release     chan struct{}
	once        sync.Once
	interrupted atomic.Int32
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Name() string { return "gate" }

func (g *gate) Process(ctx context.Context, f Frame, push Push) error {
	if f.Kind() == KindControl {
		return nil
	}
	if tf, ok := f.(TextFrame); ok && tf.Text == "a" {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}
	push(f)
	return nil
}

func (g *gate) Interrupt() {
	g.interrupted.Add(1)
	g.once.Do(func() { close(g.release) })
}

type collector struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *collector) observe(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *collector) snapshot() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *collector) texts() []string {
	var out []string
	for _, f := range c.snapshot() {
		if tf, ok := f.(TextFrame); ok {
			out = append(out, tf.Text)
		}
		if tf, ok := f.(TranscriptionFrame); ok {
			out = append(out, tf.Text)
		}
	}
	return out
}

func (c *collector) waitFor(t *testing.T, cond func([]Frame) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(c.snapshot()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for frames, have %d", len(c.snapshot()))
}

func startTask(t *testing.T, task *Task) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- task.Run(context.Background()) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task to finish")
		return nil
	}
}

func TestTaskPreservesOrderAcrossStages(t *testing.T) {
	t.Parallel()

	c := &collector{}
	task := NewTask(New(passthrough{"a"}, passthrough{"b"}, passthrough{"c"}), Params{Observer: c.observe, QueueSize: 4}, nil)
	errCh := startTask(t, task)

	want := make([]string, 50)
	for i := range want {
		want[i] = string(rune('A' + i%26))
		if err := task.QueueFrames(context.Background(), TranscriptionFrame{Text: want[i]}); err != nil {
			t.Fatalf("QueueFrames failed: %v", err)
		}
	}
	if err := task.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got := c.texts()
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d out of order: got %q want %q", i, got[i], want[i])
		}
	}

	frames := c.snapshot()
	if _, ok := frames[0].(StartFrame); !ok {
		t.Fatalf("expected StartFrame first, got %T", frames[0])
	}
	if _, ok := frames[len(frames)-1].(EndFrame); !ok {
		t.Fatalf("expected EndFrame last, got %T", frames[len(frames)-1])
	}
}

func TestTaskControlFramesForwardedWhenStageConsumes(t *testing.T) {
	t.Parallel()

	sink := &funcProcessor{name: "sink", fn: func(context.Context, Frame, Push) error { return nil }}
	c := &collector{}
	task := NewTask(New(sink), Params{Observer: c.observe}, nil)
	errCh := startTask(t, task)

	_ = task.QueueFrames(context.Background(), RunFrame{})
	if err := task.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	_ = waitRun(t, errCh)

	frames := c.snapshot()
	if len(frames) != 2 {
		t.Fatalf("expected start and end only, got %d frames", len(frames))
	}
}

func TestTaskInterruptionDropsStaleFrames(t *testing.T) {
	t.Parallel()

	g := newGate()
	c := &collector{}
	task := NewTask(New(passthrough{"in"}, g, passthrough{"out"}), Params{AllowInterruptions: true, Observer: c.observe}, nil)
	errCh := startTask(t, task)
	ctx := context.Background()

	if err := task.QueueFrames(ctx, TextFrame{Text: "a"}, TextFrame{Text: "b"}); err != nil {
		t.Fatalf("QueueFrames failed: %v", err)
	}
	<-g.entered

	if err := task.QueueFrames(ctx, UserStartedSpeakingFrame{}, TextFrame{Text: "c"}); err != nil {
		t.Fatalf("QueueFrames failed: %v", err)
	}
	c.waitFor(t, func(fs []Frame) bool {
		for _, f := range fs {
			if tf, ok := f.(TextFrame); ok && tf.Text == "c" {
				return true
			}
		}
		return false
	})

	_ = task.Stop(ctx)
	_ = waitRun(t, errCh)

	texts := c.texts()
	if len(texts) != 1 || texts[0] != "c" {
		t.Fatalf("expected only the post-interruption frame, got %v", texts)
	}
	if g.interrupted.Load() != 1 {
		t.Fatalf("expected one interrupt, got %d", g.interrupted.Load())
	}
	if task.Epoch() != 1 {
		t.Fatalf("expected epoch 1, got %d", task.Epoch())
	}

	var sawStart bool
	for _, f := range c.snapshot() {
		if _, ok := f.(UserStartedSpeakingFrame); ok {
			sawStart = true
		}
	}
	if !sawStart {
		t.Fatal("system frames must survive interruption")
	}
}

func TestTaskInterruptionsDisabled(t *testing.T) {
	t.Parallel()

	g := newGate()
	close(g.release)
	g.once.Do(func() {})
	c := &collector{}
	task := NewTask(New(g), Params{AllowInterruptions: false, Observer: c.observe}, nil)
	errCh := startTask(t, task)
	ctx := context.Background()

	_ = task.QueueFrames(ctx, TextFrame{Text: "a"}, UserStartedSpeakingFrame{}, TextFrame{Text: "b"})
	_ = task.Stop(ctx)
	_ = waitRun(t, errCh)

	if got := c.texts(); len(got) != 2 {
		t.Fatalf("expected both frames delivered, got %v", got)
	}
	if g.interrupted.Load() != 0 || task.Epoch() != 0 {
		t.Fatal("expected no interruption")
	}
}

func TestTaskRecoverableErrorDropsFrame(t *testing.T) {
	t.Parallel()

	flaky := &funcProcessor{name: "flaky", fn: func(_ context.Context, f Frame, push Push) error {
		if tf, ok := f.(TranscriptionFrame); ok && tf.Text == "bad" {
			return errors.New("cannot handle")
		}
		if f.Kind() != KindControl {
			push(f)
		}
		return nil
	}}
	c := &collector{}
	task := NewTask(New(flaky), Params{Observer: c.observe}, nil)
	errCh := startTask(t, task)
	ctx := context.Background()

	_ = task.QueueFrames(ctx,
		TranscriptionFrame{Text: "ok1"},
		TranscriptionFrame{Text: "bad"},
		TranscriptionFrame{Text: "ok2"},
	)
	_ = task.Stop(ctx)
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	got := c.texts()
	if len(got) != 2 || got[0] != "ok1" || got[1] != "ok2" {
		t.Fatalf("unexpected frames: %v", got)
	}
}

func TestTaskFatalErrorStopsTask(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend gone")
	failing := &funcProcessor{name: "llm", fn: func(_ context.Context, f Frame, _ Push) error {
		if _, ok := f.(RunFrame); ok {
			return Fatal(boom)
		}
		return nil
	}}
	task := NewTask(New(failing), Params{}, nil)
	errCh := startTask(t, task)

	_ = task.QueueFrames(context.Background(), RunFrame{})
	err := waitRun(t, errCh)

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != "llm" || !se.Fatal {
		t.Fatalf("unexpected stage error: %+v", se)
	}
	if !errors.Is(err, boom) {
		t.Fatal("expected error chain to contain the cause")
	}
	if err := task.QueueFrames(context.Background(), RunFrame{}); !errors.Is(err, ErrTaskDone) {
		t.Fatalf("expected ErrTaskDone after fatal error, got %v", err)
	}
}

func TestTaskPanicBecomesFatalError(t *testing.T) {
	t.Parallel()

	panicky := &funcProcessor{name: "panicky", fn: func(_ context.Context, f Frame, _ Push) error {
		if _, ok := f.(RunFrame); ok {
			panic("unexpected frame")
		}
		return nil
	}}
	task := NewTask(New(panicky), Params{}, nil)
	errCh := startTask(t, task)
	_ = task.QueueFrames(context.Background(), RunFrame{})

	if err := waitRun(t, errCh); !IsFatal(err) {
		t.Fatalf("expected fatal error from panic, got %v", err)
	}
}

func TestTaskCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	task := NewTask(New(passthrough{"a"}), Params{}, nil)
	task.Cancel()
	task.Cancel()

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("expected nil error after cancel, got %v", err)
	}
	select {
	case <-task.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	task.Cancel()

	if err := task.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := task.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after cancel should be a no-op, got %v", err)
	}
}

func TestTaskParentContextCancelsRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	task := NewTask(New(passthrough{"a"}), Params{}, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- task.Run(ctx) }()

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

type source struct {
	texts []string
}

func (s *source) Name() string { return "source" }

func (s *source) Process(_ context.Context, f Frame, push Push) error {
	if f.Kind() != KindControl {
		push(f)
	}
	return nil
}

func (s *source) Run(ctx context.Context, push Push) error {
	for _, text := range s.texts {
		push(TranscriptionFrame{Text: text})
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTaskRunnerFramesReachSink(t *testing.T) {
	t.Parallel()

	c := &collector{}
	task := NewTask(New(&source{texts: []string{"x", "y"}}, passthrough{"b"}), Params{Observer: c.observe}, nil)
	errCh := startTask(t, task)

	c.waitFor(t, func(fs []Frame) bool { return len(fs) >= 3 })
	task.Cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	got := c.texts()
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected frames: %v", got)
	}
}

func TestStopTimesOutAndCancels(t *testing.T) {
	t.Parallel()

	stuck := &funcProcessor{name: "stuck", fn: func(ctx context.Context, f Frame, _ Push) error {
		if _, ok := f.(RunFrame); ok {
			<-ctx.Done()
		}
		return nil
	}}
	task := NewTask(New(stuck), Params{}, nil)
	errCh := startTask(t, task)
	_ = task.QueueFrames(context.Background(), RunFrame{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := task.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	_ = waitRun(t, errCh)
}
