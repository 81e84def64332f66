package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/interview-bot/internal/domain"
	"github.com/ashureev/interview-bot/internal/transport"
)

// Manager runs one orchestrator per new connection and tracks them until
// they finish.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Orchestrator
	wg       sync.WaitGroup
}

// NewManager creates a manager sharing deps between sessions.
func NewManager(deps Deps, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Orchestrator),
	}
}

// Start runs a session for conn in the background. A panic inside the session
// is logged and ends only that session.
func (m *Manager) Start(conn transport.Connection, details domain.InterviewDetails) *Orchestrator {
	o := New(conn, m.deps, details, m.logger)

	m.mu.Lock()
	m.sessions[conn.ID()] = o
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.sessions, conn.ID())
			m.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("[SESSION] Session panicked", "connection_id", conn.ID(), "chat_id", conn.ChatID(), "panic", fmt.Sprint(r))
				if err := conn.Close(); err != nil {
					m.logger.Debug("[SESSION] Failed to close connection after panic", "error", err)
				}
			}
		}()

		if err := o.Run(m.ctx); err != nil {
			m.logger.Warn("[SESSION] Session ended with error", "connection_id", conn.ID(), "chat_id", conn.ChatID(), "error", err)
		}
	}()
	return o
}

// Get returns the running session for a connection id.
func (m *Manager) Get(connectionID string) *Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[connectionID]
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Wait blocks until every session finished. If ctx expires first the
// remaining sessions are cancelled; they still save their transcripts.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("[SESSION] Cancelling remaining sessions", "active", m.Active())
		m.cancel()
		<-done
		return ctx.Err()
	}
}
