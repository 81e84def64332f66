package session

import (
	"errors"
	"log/slog"

	"github.com/ashureev/interview-bot/internal/domain"
	"github.com/ashureev/interview-bot/internal/llm"
	"github.com/ashureev/interview-bot/internal/pipeline"
	"github.com/ashureev/interview-bot/internal/speech"
	"github.com/ashureev/interview-bot/internal/transport"
)

// Backends are the speech and generation services shared by every session.
type Backends struct {
	Recognizer  speech.Recognizer
	Generator   llm.Generator
	Synthesizer speech.Synthesizer
}

// NewVoiceBuilder returns a PipelineBuilder producing the interview voice chain:
// input, stt, user aggregator, llm, tts, output, assistant aggregator.
func NewVoiceBuilder(b Backends, logger *slog.Logger) PipelineBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return func(conn transport.Connection, transcript *domain.Transcript, user *pipeline.UserAggregator) (*pipeline.Pipeline, error) {
		if b.Recognizer == nil || b.Generator == nil || b.Synthesizer == nil {
			return nil, errors.New("voice pipeline requires recognizer, generator and synthesizer")
		}
		l := logger.With("connection_id", conn.ID())
		return pipeline.New(
			transport.NewInput(conn),
			speech.NewSTT(b.Recognizer, l),
			user,
			llm.NewStage(b.Generator, l),
			speech.NewTTS(b.Synthesizer, l),
			transport.NewOutput(conn, l),
			pipeline.NewAssistantAggregator(transcript),
		), nil
	}
}
