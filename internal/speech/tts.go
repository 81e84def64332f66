package speech

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/interview-bot/internal/pipeline"
)

// Audio is one encoded audio packet and its playback duration.
type Audio struct {
	Data     []byte
	Duration time.Duration
}

// Synthesizer turns text into a stream of encoded audio packets.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) iter.Seq2[Audio, error]
}

// TTS is the text-to-speech stage. It buffers streamed response text into
// sentences and speaks each one. The sentence text is pushed after its audio,
// so downstream only sees text that was actually played.
type TTS struct {
	synth  Synthesizer
	logger *slog.Logger

	mu     sync.Mutex
	buf    strings.Builder
	cancel context.CancelFunc
}

// NewTTS creates the text-to-speech stage.
func NewTTS(synth Synthesizer, logger *slog.Logger) *TTS {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTS{synth: synth, logger: logger}
}

func (s *TTS) Name() string { return "tts" }

func (s *TTS) Process(ctx context.Context, f pipeline.Frame, push pipeline.Push) error {
	switch frame := f.(type) {
	case pipeline.ResponseStartFrame:
		s.reset()
		push(f)
	case pipeline.TextFrame:
		for _, sentence := range s.buffer(frame.Text) {
			if err := s.speak(ctx, sentence, push); err != nil {
				return err
			}
		}
	case pipeline.ResponseEndFrame:
		if rest := s.flush(); rest != "" {
			if err := s.speak(ctx, rest, push); err != nil {
				push(f)
				return err
			}
		}
		push(f)
	default:
		if f.Kind() != pipeline.KindControl {
			push(f)
		}
	}
	return nil
}

// Interrupt cancels the sentence being synthesized and discards buffered text.
func (s *TTS) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *TTS) speak(ctx context.Context, text string, push pipeline.Push) error {
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

	push(pipeline.TTSStartedFrame{})
	for audio, err := range s.synth.Synthesize(runCtx, text) {
		if err != nil {
			push(pipeline.TTSStoppedFrame{})
			if runCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("synthesize sentence: %w", err)
		}
		push(pipeline.OutputAudioFrame{Audio: audio.Data, Duration: audio.Duration})
	}
	if runCtx.Err() != nil {
		push(pipeline.TTSStoppedFrame{})
		return nil
	}
	push(pipeline.TextFrame{Text: text})
	push(pipeline.TTSStoppedFrame{})
	return nil
}

func (s *TTS) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
}

// buffer appends text and returns the complete sentences now available.
func (s *TTS) buffer(text string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.WriteString(text)
	var out []string
	rest := s.buf.String()
	for {
		sentence, tail, ok := splitSentence(rest)
		if !ok {
			break
		}
		if sentence != "" {
			out = append(out, sentence)
		}
		rest = tail
	}
	s.buf.Reset()
	s.buf.WriteString(rest)
	return out
}

func (s *TTS) flush() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// splitSentence cuts the first sentence off text. A sentence ends at a
// newline or at terminal punctuation followed by whitespace, so decimals and
// abbreviations still being streamed are not split.
func splitSentence(text string) (sentence, rest string, ok bool) {
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			return strings.TrimSpace(text[:i]), text[i+1:], true
		case '.', '!', '?':
			if i+1 < len(text) && isSpace(text[i+1]) {
				return strings.TrimSpace(text[:i+1]), text[i+1:], true
			}
		}
	}
	return "", text, false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
