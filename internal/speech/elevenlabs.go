package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ElevenLabsConfig configures the ElevenLabs stream-input client.
type ElevenLabsConfig struct {
	APIKey          string
	URL             string
	VoiceID         string
	Model           string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
}

// DefaultElevenLabsConfig returns settings producing 48kHz Ogg/Opus.
func DefaultElevenLabsConfig(apiKey, voiceID string) ElevenLabsConfig {
	return ElevenLabsConfig{
		APIKey:          apiKey,
		URL:             "wss://api.elevenlabs.io/v1",
		VoiceID:         voiceID,
		Model:           "eleven_flash_v2_5",
		OutputFormat:    "opus_48000_64",
		Stability:       0.5,
		SimilarityBoost: 0.8,
	}
}

// ElevenLabs is a Synthesizer backed by the ElevenLabs stream-input websocket.
// Each call opens its own socket so an interruption just drops it.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	logger *slog.Logger
}

// NewElevenLabs creates an ElevenLabs synthesizer.
func NewElevenLabs(cfg ElevenLabsConfig, logger *slog.Logger) (*ElevenLabs, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("elevenlabs: missing api key")
	}
	if cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: missing voice id")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ElevenLabs{cfg: cfg, logger: logger}, nil
}

func (e *ElevenLabs) streamURL() (string, error) {
	base := strings.TrimSuffix(e.cfg.URL, "/")
	u, err := url.Parse(base + "/text-to-speech/" + url.PathEscape(e.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", fmt.Errorf("parse elevenlabs url: %w", err)
	}
	q := u.Query()
	if e.cfg.Model != "" {
		q.Set("model_id", e.cfg.Model)
	}
	if e.cfg.OutputFormat != "" {
		q.Set("output_format", e.cfg.OutputFormat)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type audioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) iter.Seq2[Audio, error] {
	return func(yield func(Audio, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		u, err := e.streamURL()
		if err != nil {
			yield(Audio{}, err)
			return
		}
		conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
			HTTPHeader: http.Header{"xi-api-key": []string{e.cfg.APIKey}},
		})
		if err != nil {
			yield(Audio{}, fmt.Errorf("dial elevenlabs: %w", err))
			return
		}
		defer func() { _ = conn.CloseNow() }()
		conn.SetReadLimit(4 << 20)

		msgs := []textMessage{
			{Text: " ", VoiceSettings: &voiceSettings{Stability: e.cfg.Stability, SimilarityBoost: e.cfg.SimilarityBoost}},
			{Text: text + " ", Flush: true},
			{Text: ""},
		}
		for _, m := range msgs {
			if err := wsjson.Write(ctx, conn, m); err != nil {
				yield(Audio{}, fmt.Errorf("send text: %w", err))
				return
			}
		}

		pr, pw := io.Pipe()
		defer func() { _ = pr.Close() }()
		go func() {
			pw.CloseWithError(e.receive(ctx, conn, pw))
		}()

		for audio, err := range oggPackets(pr) {
			if !yield(audio, err) || err != nil {
				return
			}
		}
	}
}

// receive copies decoded audio chunks into w until the final message.
func (e *ElevenLabs) receive(ctx context.Context, conn *websocket.Conn, w io.Writer) error {
	for {
		var msg audioMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read audio: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return fmt.Errorf("decode audio: %w", err)
			}
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
		if msg.IsFinal {
			e.logger.Debug("[TTS] Synthesis complete", "voice_id", e.cfg.VoiceID)
			return nil
		}
	}
}

var _ Synthesizer = (*ElevenLabs)(nil)
