package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Push sends a frame to the next stage. It blocks while the next stage is
// backed up and drops the frame once the task has stopped.
type Push func(Frame)

// Processor is one pipeline stage. Process is called for every frame in arrival
// order from a single goroutine. Control frames are forwarded by the runner after
// Process returns; every other frame is forwarded only if Process pushes it.
type Processor interface {
	Name() string
	Process(ctx context.Context, f Frame, push Push) error
}

// Runner is implemented by stages that produce frames on their own, such as the
// transport input or a recognizer delivering results. Run is started with the
// task and must return when ctx is done.
type Runner interface {
	Run(ctx context.Context, push Push) error
}

// Interrupter is implemented by stages holding in-progress assistant output.
// Interrupt is called from another goroutine and must not block.
type Interrupter interface {
	Interrupt()
}

// StageError is an error raised by a stage.
type StageError struct {
	Stage string
	Err   error
	Fatal bool
}

func (e *StageError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("stage %s (fatal): %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as unrecoverable. Returning it from a stage stops the task.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal or is a fatal StageError.
func IsFatal(err error) bool {
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	var se *StageError
	return errors.As(err, &se) && se.Fatal
}

// Pipeline is an ordered list of processors.
type Pipeline struct {
	processors []Processor
}

// New creates a pipeline. Frames flow from the first processor to the last.
func New(processors ...Processor) *Pipeline {
	return &Pipeline{processors: processors}
}

// Processors returns the stages in order.
func (p *Pipeline) Processors() []Processor {
	out := make([]Processor, len(p.processors))
	copy(out, p.processors)
	return out
}
