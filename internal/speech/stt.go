// Package speech contains the speech-to-text and text-to-speech pipeline
// stages and their streaming backends.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/interview-bot/internal/pipeline"
)

// ErrStreamClosed is returned when audio is sent to a closed recognition stream.
var ErrStreamClosed = errors.New("recognition stream closed")

// EventType classifies a recognizer event.
type EventType int

const (
	// EventSpeechStarted is reported by voice activity detection.
	EventSpeechStarted EventType = iota
	// EventInterim carries a transcript that may still change.
	EventInterim
	// EventFinal carries a transcript segment that will not change.
	EventFinal
	// EventUtteranceEnd marks the end of the current utterance.
	EventUtteranceEnd
)

// Event is a single recognizer result.
type Event struct {
	Type EventType
	Text string
	// SpeechFinal is set on a final segment that also ends the utterance.
	SpeechFinal bool
}

// Recognizer opens live recognition streams.
type Recognizer interface {
	Listen(ctx context.Context) (Stream, error)
}

// Stream is one live recognition session.
type Stream interface {
	SendAudio(ctx context.Context, audio []byte) error
	// Events is closed when the stream ends. Err reports why.
	Events() <-chan Event
	Err() error
	Close() error
}

// STT is the speech-to-text stage. It feeds inbound audio to the recognizer and
// turns recognizer events into user speech and transcription frames.
type STT struct {
	rec    Recognizer
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	stream Stream
}

// NewSTT creates the speech-to-text stage.
func NewSTT(rec Recognizer, logger *slog.Logger) *STT {
	if logger == nil {
		logger = slog.Default()
	}
	return &STT{rec: rec, logger: logger, now: time.Now}
}

func (s *STT) Name() string { return "stt" }

func (s *STT) Process(ctx context.Context, f pipeline.Frame, push pipeline.Push) error {
	audio, ok := f.(pipeline.InputAudioFrame)
	if !ok {
		if f.Kind() != pipeline.KindControl {
			push(f)
		}
		return nil
	}

	stream := s.current()
	if stream == nil {
		return nil
	}
	if err := stream.SendAudio(ctx, audio.Audio); err != nil {
		if errors.Is(err, ErrStreamClosed) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// Run opens the recognition stream and publishes its events until the stream
// or ctx ends. Losing the recognizer is fatal for the session.
func (s *STT) Run(ctx context.Context, push pipeline.Push) error {
	stream, err := s.rec.Listen(ctx)
	if err != nil {
		return pipeline.Fatal(fmt.Errorf("open recognizer: %w", err))
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stream = nil
		s.mu.Unlock()
		if err := stream.Close(); err != nil {
			s.logger.Debug("[STT] Failed to close recognizer stream", "error", err)
		}
	}()

	t := &turnTracker{push: push, now: s.now}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil && ctx.Err() == nil {
					return pipeline.Fatal(fmt.Errorf("recognizer stream: %w", err))
				}
				return nil
			}
			t.handle(ev)
		}
	}
}

func (s *STT) current() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// turnTracker brackets transcripts between a single start and stop of user speech.
type turnTracker struct {
	push     pipeline.Push
	now      func() time.Time
	speaking bool
}

func (t *turnTracker) handle(ev Event) {
	switch ev.Type {
	case EventSpeechStarted:
		t.start()
	case EventInterim:
		if ev.Text == "" {
			return
		}
		t.start()
		t.push(pipeline.InterimTranscriptionFrame{Text: ev.Text})
	case EventFinal:
		if ev.Text != "" {
			t.start()
			t.push(pipeline.TranscriptionFrame{Text: ev.Text, At: t.now()})
		}
		if ev.SpeechFinal {
			t.stop()
		}
	case EventUtteranceEnd:
		t.stop()
	}
}

func (t *turnTracker) start() {
	if !t.speaking {
		t.speaking = true
		t.push(pipeline.UserStartedSpeakingFrame{})
	}
}

func (t *turnTracker) stop() {
	if t.speaking {
		t.speaking = false
		t.push(pipeline.UserStoppedSpeakingFrame{})
	}
}
