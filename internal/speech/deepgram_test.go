package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDeepgramStream(t *testing.T) {
	t.Parallel()

	queries := make(chan url.Values, 1)
	audio := make(chan []byte, 1)
	controls := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		queries <- r.URL.Query()

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer func() { _ = c.CloseNow() }()
		ctx := r.Context()

		// Two Ogg header pages, then one page per packet.
		var stream []byte
		for range 3 {
			typ, data, err := c.Read(ctx)
			if err != nil || typ != websocket.MessageBinary {
				t.Errorf("expected binary audio, got %v %v", typ, err)
				return
			}
			if !bytes.HasPrefix(data, []byte("OggS")) {
				t.Errorf("expected an Ogg page, got %x", data)
				return
			}
			stream = append(stream, data...)
		}
		for pkt, err := range oggPackets(bytes.NewReader(stream)) {
			if err != nil {
				t.Errorf("read ogg: %v", err)
				return
			}
			audio <- pkt.Data
			break
		}

		for _, m := range []map[string]any{
			{"type": "Metadata", "request_id": "r1"},
			{"type": "SpeechStarted", "timestamp": 0.5},
			{"type": "Results", "is_final": false, "channel": map[string]any{
				"alternatives": []map[string]any{{"transcript": "two sum", "confidence": 0.8}},
			}},
			{"type": "Results", "is_final": true, "speech_final": true, "channel": map[string]any{
				"alternatives": []map[string]any{{"transcript": "two sum please", "confidence": 0.9}},
			}},
		} {
			if err := wsjson.Write(ctx, c, m); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}

		var ctl map[string]string
		if err := wsjson.Read(ctx, c, &ctl); err != nil {
			t.Errorf("read control: %v", err)
			return
		}
		controls <- ctl["type"]
		_ = c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	cfg := DefaultDeepgramConfig("secret")
	cfg.URL = wsURL(srv)
	cfg.KeepAlive = 0
	dg, err := NewDeepgram(cfg, nil)
	if err != nil {
		t.Fatalf("NewDeepgram failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := dg.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	q := <-queries
	if q.Get("model") != "nova-2" || q.Has("encoding") || q.Has("sample_rate") ||
		q.Get("interim_results") != "true" || q.Get("vad_events") != "true" || q.Get("endpointing") != "300" {
		t.Fatalf("unexpected query: %v", q)
	}

	if err := stream.SendAudio(ctx, []byte{0xde, 0xad}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	if got := <-audio; len(got) != 2 || got[0] != 0xde {
		t.Fatalf("server got unexpected audio %x", got)
	}

	want := []Event{
		{Type: EventSpeechStarted},
		{Type: EventInterim, Text: "two sum"},
		{Type: EventFinal, Text: "two sum please", SpeechFinal: true},
	}
	for i, w := range want {
		select {
		case got := <-stream.Events():
			if got != w {
				t.Fatalf("event %d: got %+v, want %+v", i, got, w)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if err := stream.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if got := <-controls; got != "CloseStream" {
		t.Fatalf("expected CloseStream on close, got %q", got)
	}
	if err := stream.SendAudio(ctx, []byte{1}); err != ErrStreamClosed {
		t.Fatalf("expected ErrStreamClosed after close, got %v", err)
	}
	for range stream.Events() {
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("expected clean stream end, got %v", err)
	}
}

func TestDeepgramRawEncodingQuery(t *testing.T) {
	t.Parallel()

	cfg := DefaultDeepgramConfig("secret")
	cfg.Encoding = "linear16"
	cfg.SampleRate = 16000
	dg, err := NewDeepgram(cfg, nil)
	if err != nil {
		t.Fatalf("NewDeepgram failed: %v", err)
	}
	raw, err := dg.listenURL()
	if err != nil {
		t.Fatalf("listenURL failed: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("encoding") != "linear16" || q.Get("sample_rate") != "16000" || q.Get("channels") != "1" {
		t.Fatalf("raw audio needs encoding parameters, got %v", q)
	}
}

func TestDeepgramMessageEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want Event
		ok   bool
	}{
		{`{"type":"UtteranceEnd","last_word_end":2.1}`, Event{Type: EventUtteranceEnd}, true},
		{`{"type":"Results","is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"hash map"}]}}`,
			Event{Type: EventFinal, Text: "hash map"}, true},
		{`{"type":"Results","is_final":false,"channel":{"alternatives":[]}}`, Event{Type: EventInterim}, true},
		{`{"type":"Metadata"}`, Event{}, false},
	}
	for _, tt := range tests {
		var msg deepgramMessage
		if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		got, ok := msg.event()
		if got != tt.want || ok != tt.ok {
			t.Errorf("event(%s) = %+v, %v; want %+v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewDeepgramRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewDeepgram(DeepgramConfig{URL: "wss://example.test"}, nil); err == nil {
		t.Fatal("expected missing key error")
	}
}
