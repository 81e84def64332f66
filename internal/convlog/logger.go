// Package convlog writes per-session conversation events as NDJSON files.
package convlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event types written by the session orchestrator.
const (
	EventSessionStarted  = "session_started"
	EventUserTurn        = "user_turn"
	EventAssistantSpeech = "assistant_speech"
	EventPhaseChanged    = "phase_changed"
	EventSessionClosed   = "session_closed"
)

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one line of a conversation log.
type Event struct {
	Timestamp    time.Time `json:"ts"`
	UserID       string    `json:"user_id"`
	ChatID       string    `json:"chat_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	EventType    string    `json:"event_type"`
	Role         string    `json:"role,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Content      string    `json:"content,omitempty"`
}

// Logger records conversation events without blocking the caller.
type Logger interface {
	Log(Event)
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Log(Event)    {}
func (Noop) Close() error { return nil }

// New returns a file logger for cfg, or Noop when logging is disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	fl, err := newFileLogger(cfg, logger)
	if err != nil {
		return nil, err
	}
	fl.start()
	return fl, nil
}

type fileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	files  map[string]*os.File
	global *os.File
}

func newFileLogger(cfg Config, logger *slog.Logger) (*fileLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("conversation log dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	fl := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		files:  make(map[string]*os.File),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		fl.global = f
	}
	fl.ctx, fl.cancel = context.WithCancel(context.Background())
	return fl, nil
}

func (l *fileLogger) start() {
	l.wg.Add(1)
	go l.run()
}

// Log queues ev. When the queue is full the oldest event is dropped.
func (l *fileLogger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if l.ctx.Err() != nil {
		return
	}

	select {
	case l.queue <- ev:
		return
	default:
	}

	l.logger.Warn("[CONVLOG] Queue full, dropping oldest event", "user_id", ev.UserID, "chat_id", ev.ChatID)
	select {
	case <-l.queue:
	default:
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("[CONVLOG] Failed to queue event", "user_id", ev.UserID, "chat_id", ev.ChatID)
	}
}

func (l *fileLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case ev := <-l.queue:
					l.write(ev)
				default:
					return
				}
			}
		case ev := <-l.queue:
			l.write(ev)
		}
	}
}

func (l *fileLogger) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("[CONVLOG] Failed to encode event", "error", err)
		return
	}
	line = append(line, '\n')

	f, err := l.sessionFile(ev.UserID, ev.ChatID)
	if err != nil {
		l.logger.Warn("[CONVLOG] Failed to open session log", "user_id", ev.UserID, "chat_id", ev.ChatID, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("[CONVLOG] Failed to write session log", "user_id", ev.UserID, "chat_id", ev.ChatID, "error", err)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("[CONVLOG] Failed to write global log", "error", err)
		}
	}
}

func (l *fileLogger) sessionFile(userID, chatID string) (*os.File, error) {
	dir := filepath.Join(l.cfg.Dir, safeName(userID))
	path := filepath.Join(dir, safeName(chatID)+".ndjson")
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[path] = f
	return f, nil
}

// Close flushes queued events and closes every file.
func (l *fileLogger) Close() error {
	l.cancel()
	l.wg.Wait()

	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	if l.global != nil {
		errs = append(errs, l.global.Close())
	}
	return errors.Join(errs...)
}

// safeName keeps identifiers from escaping the log directory.
func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	return name
}
