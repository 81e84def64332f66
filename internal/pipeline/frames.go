// Package pipeline runs a linear chain of frame processors for one voice session.
package pipeline

import (
	"time"

	"github.com/ashureev/interview-bot/internal/domain"
)

// Kind classifies frames for ordering and interruption handling.
type Kind int

const (
	// KindControl frames start and end the pipeline. The runner forwards them.
	KindControl Kind = iota
	// KindSystem frames carry speech activity and are never discarded.
	KindSystem
	// KindData frames carry audio, transcriptions and context updates.
	KindData
	// KindInterruptible frames belong to an assistant response and are dropped once stale.
	KindInterruptible
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindSystem:
		return "system"
	case KindData:
		return "data"
	case KindInterruptible:
		return "interruptible"
	default:
		return "unknown"
	}
}

// Frame is a unit of data flowing through the pipeline.
type Frame interface {
	Kind() Kind
}

// StartFrame is the first frame every stage sees.
type StartFrame struct{}

// EndFrame asks the pipeline to drain and stop.
type EndFrame struct{}

// UserStartedSpeakingFrame marks the start of a user utterance.
type UserStartedSpeakingFrame struct{}

// UserStoppedSpeakingFrame marks the end of a user utterance.
type UserStoppedSpeakingFrame struct{}

// InputAudioFrame is encoded audio received from the participant.
type InputAudioFrame struct {
	Audio     []byte
	Timestamp uint32
}

// InterimTranscriptionFrame is a partial recognition result.
type InterimTranscriptionFrame struct {
	Text string
}

// TranscriptionFrame is a final recognition result for part of an utterance.
type TranscriptionFrame struct {
	Text string
	At   time.Time
}

// MessagesAppendFrame appends messages to the conversation context.
// When Run is set a response is requested afterwards.
type MessagesAppendFrame struct {
	Messages []domain.TurnRecord
	Run      bool
}

// RunFrame requests a response from the current context.
type RunFrame struct{}

// ContextFrame carries the context a response should be generated from.
type ContextFrame struct {
	Messages []domain.TurnRecord
}

// ResponseStartFrame opens an assistant response.
type ResponseStartFrame struct{}

// TextFrame is a piece of assistant text. Upstream of speech synthesis it is a
// generated token; downstream it is the text that was spoken.
type TextFrame struct {
	Text string
}

// ResponseEndFrame closes an assistant response.
type ResponseEndFrame struct{}

// TTSStartedFrame precedes synthesized audio for one sentence.
type TTSStartedFrame struct{}

// OutputAudioFrame is encoded audio for the participant.
type OutputAudioFrame struct {
	Audio    []byte
	Duration time.Duration
}

// TTSStoppedFrame follows synthesized audio for one sentence.
type TTSStoppedFrame struct{}

func (StartFrame) Kind() Kind                { return KindControl }
func (EndFrame) Kind() Kind                  { return KindControl }
func (UserStartedSpeakingFrame) Kind() Kind  { return KindSystem }
func (UserStoppedSpeakingFrame) Kind() Kind  { return KindSystem }
func (InputAudioFrame) Kind() Kind           { return KindData }
func (InterimTranscriptionFrame) Kind() Kind { return KindData }
func (TranscriptionFrame) Kind() Kind        { return KindData }
func (MessagesAppendFrame) Kind() Kind       { return KindData }
func (RunFrame) Kind() Kind                  { return KindData }
func (ContextFrame) Kind() Kind              { return KindInterruptible }
func (ResponseStartFrame) Kind() Kind        { return KindInterruptible }
func (TextFrame) Kind() Kind                 { return KindInterruptible }
func (ResponseEndFrame) Kind() Kind          { return KindInterruptible }
func (TTSStartedFrame) Kind() Kind           { return KindInterruptible }
func (OutputAudioFrame) Kind() Kind          { return KindInterruptible }
func (TTSStoppedFrame) Kind() Kind           { return KindInterruptible }

// envelope is a frame in flight together with the interruption epoch it belongs to.
type envelope struct {
	frame Frame
	epoch uint64
}
