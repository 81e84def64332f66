package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

// DeepgramConfig configures the Deepgram live transcription client.
//
// With Encoding empty, audio is treated as Opus packets and sent wrapped in an
// Ogg container, which Deepgram detects on its own. A non-empty Encoding sends
// the bytes as they are with encoding and sample_rate set on the request.
type DeepgramConfig struct {
	APIKey      string
	URL         string
	Model       string
	Language    string
	Encoding    string
	SampleRate  int
	Channels    int
	Endpointing time.Duration
	KeepAlive   time.Duration
}

// DefaultDeepgramConfig returns settings for Opus audio received over WebRTC.
func DefaultDeepgramConfig(apiKey string) DeepgramConfig {
	return DeepgramConfig{
		APIKey:      apiKey,
		URL:         "wss://api.deepgram.com/v1/listen",
		Model:       "nova-2",
		Language:    "en-US",
		SampleRate:  48000,
		Channels:    1,
		Endpointing: 300 * time.Millisecond,
		KeepAlive:   5 * time.Second,
	}
}

// Deepgram is a Recognizer backed by Deepgram's streaming websocket API.
type Deepgram struct {
	cfg    DeepgramConfig
	logger *slog.Logger
}

// NewDeepgram creates a Deepgram recognizer.
func NewDeepgram(cfg DeepgramConfig, logger *slog.Logger) (*Deepgram, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: missing api key")
	}
	if cfg.URL == "" {
		return nil, errors.New("deepgram: missing url")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deepgram{cfg: cfg, logger: logger}, nil
}

func (d *Deepgram) listenURL() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	q := u.Query()
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("model", d.cfg.Model)
	set("language", d.cfg.Language)
	if d.cfg.Encoding != "" {
		q.Set("encoding", d.cfg.Encoding)
		if d.cfg.SampleRate > 0 {
			q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
		}
		if d.cfg.Channels > 0 {
			q.Set("channels", strconv.Itoa(d.cfg.Channels))
		}
	}
	if d.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(d.cfg.Endpointing.Milliseconds(), 10))
	}
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Listen opens a live transcription stream. The stream lives until Close or
// until ctx is done.
func (d *Deepgram) Listen(ctx context.Context) (Stream, error) {
	u, err := d.listenURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + d.cfg.APIKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial deepgram: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	streamCtx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:   conn,
		logger: d.logger,
		ctx:    streamCtx,
		cancel: cancel,
		events: make(chan Event, 64),
	}
	if d.cfg.Encoding == "" {
		if err := s.startOgg(d.cfg); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "ogg header")
			cancel()
			return nil, err
		}
	}
	go s.readLoop()
	if d.cfg.KeepAlive > 0 {
		go s.keepAlive(d.cfg.KeepAlive)
	}
	d.logger.Debug("[STT] Deepgram stream opened", "model", d.cfg.Model)
	return s, nil
}

// deepgramMessage covers the server messages the stream reacts to.
type deepgramMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

// event maps a server message to a recognizer event. Metadata and unknown
// messages report false.
func (m *deepgramMessage) event() (Event, bool) {
	switch m.Type {
	case "SpeechStarted":
		return Event{Type: EventSpeechStarted}, true
	case "UtteranceEnd":
		return Event{Type: EventUtteranceEnd}, true
	case "Results":
		var text string
		if len(m.Channel.Alternatives) > 0 {
			text = m.Channel.Alternatives[0].Transcript
		}
		if !m.IsFinal {
			return Event{Type: EventInterim, Text: text}, true
		}
		return Event{Type: EventFinal, Text: text, SpeechFinal: m.SpeechFinal}, true
	default:
		return Event{}, false
	}
}

type deepgramStream struct {
	conn   *websocket.Conn
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	// ogg wraps each packet in an Ogg page when set. sendMu guards it along
	// with the sink context and the synthetic RTP clock.
	sendMu sync.Mutex
	ogg    *oggwriter.OggWriter
	sink   *messageWriter
	seq    uint16
	ts     uint32

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	err       error
}

// messageWriter sends every Write as one binary websocket message.
type messageWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *messageWriter) Write(p []byte) (int, error) {
	if err := w.conn.Write(w.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// startOgg writes the Opus identification and comment headers.
func (s *deepgramStream) startOgg(cfg DeepgramConfig) error {
	rate, channels := cfg.SampleRate, cfg.Channels
	if rate <= 0 {
		rate = opusClockRate
	}
	if channels <= 0 {
		channels = 1
	}
	s.sink = &messageWriter{conn: s.conn, ctx: s.ctx}
	w, err := oggwriter.NewWith(s.sink, uint32(rate), uint16(channels))
	if err != nil {
		return fmt.Errorf("write ogg headers: %w", err)
	}
	s.ogg = w
	return nil
}

func (s *deepgramStream) SendAudio(ctx context.Context, audio []byte) error {
	if s.isClosed() {
		return ErrStreamClosed
	}
	if err := s.write(ctx, audio); err != nil {
		if s.isClosed() {
			return ErrStreamClosed
		}
		return err
	}
	return nil
}

func (s *deepgramStream) write(ctx context.Context, audio []byte) error {
	if s.ogg == nil {
		return s.conn.Write(ctx, websocket.MessageBinary, audio)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.sink.ctx = ctx
	s.seq++
	s.ts += opusFrameSamples
	return s.ogg.WriteRTP(&rtp.Packet{
		Header:  rtp.Header{SequenceNumber: s.seq, Timestamp: s.ts},
		Payload: audio,
	})
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks the server to finalize and closes the socket.
func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if werr := wsjson.Write(writeCtx, s.conn, map[string]string{"type": "CloseStream"}); werr != nil {
			s.logger.Debug("[STT] Failed to send CloseStream", "error", werr)
		}
		cancel()

		err = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.cancel()
	})
	return err
}

func (s *deepgramStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	defer s.cancel()

	for {
		var msg deepgramMessage
		if err := wsjson.Read(s.ctx, s.conn, &msg); err != nil {
			if !s.isClosed() && s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
		ev, ok := msg.event()
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *deepgramStream) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(s.ctx, s.conn, map[string]string{"type": "KeepAlive"}); err != nil {
				s.logger.Debug("[STT] KeepAlive failed", "error", err)
				return
			}
		}
	}
}

var _ Recognizer = (*Deepgram)(nil)
