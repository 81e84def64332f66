package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/interview-bot/internal/pipeline"
)

// Input is the first pipeline stage. It turns inbound audio into InputAudioFrames
// and forwards everything queued into the pipeline.
type Input struct {
	conn Connection
}

// NewInput creates the input stage for conn.
func NewInput(conn Connection) *Input {
	return &Input{conn: conn}
}

func (in *Input) Name() string { return "transport_input" }

func (in *Input) Process(_ context.Context, f pipeline.Frame, push pipeline.Push) error {
	if f.Kind() != pipeline.KindControl {
		push(f)
	}
	return nil
}

// Run reads audio until the connection closes or ctx is done.
func (in *Input) Run(ctx context.Context, push pipeline.Push) error {
	for {
		payload, err := in.conn.ReadAudio(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		push(pipeline.InputAudioFrame{Audio: payload})
	}
}

// Output writes synthesized audio to the participant, paced in real time so an
// interruption stops playback promptly.
type Output struct {
	conn   Connection
	logger *slog.Logger

	mu        sync.Mutex
	interrupt chan struct{}
}

// NewOutput creates the output stage for conn.
func NewOutput(conn Connection, logger *slog.Logger) *Output {
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{conn: conn, logger: logger, interrupt: make(chan struct{})}
}

func (o *Output) Name() string { return "transport_output" }

func (o *Output) Process(ctx context.Context, f pipeline.Frame, push pipeline.Push) error {
	frame, ok := f.(pipeline.OutputAudioFrame)
	if !ok {
		if f.Kind() != pipeline.KindControl {
			push(f)
		}
		return nil
	}

	intr := o.current()
	if err := o.conn.WriteAudio(ctx, frame.Audio, frame.Duration); err != nil {
		if errors.Is(err, ErrClosed) {
			o.logger.Debug("[OUTPUT] Dropping audio for closed connection")
			return nil
		}
		return err
	}

	if frame.Duration > 0 {
		timer := time.NewTimer(frame.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-intr:
		case <-ctx.Done():
		}
	}
	return nil
}

// Interrupt cuts short the current playback wait.
func (o *Output) Interrupt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	close(o.interrupt)
	o.interrupt = make(chan struct{})
}

func (o *Output) current() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interrupt
}
