// Package registry tracks the live connection for each chat.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/interview-bot/internal/transport"
)

// DuplicateSessionError reports an existing connection for a chat that can no
// longer be renegotiated. Resolve evicts it and creates a fresh connection.
type DuplicateSessionError struct {
	ChatID       string
	ConnectionID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("chat %s: connection %s cannot be renegotiated", e.ChatID, e.ConnectionID)
}

type entry struct {
	conn transport.Connection
	sub  transport.Subscription
}

// Registry maps chat ids to their single live connection.
type Registry struct {
	factory transport.Factory
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]entry

	// chatLocks serialises resolution per chat so two offers for one chat
	// never create two connections.
	chatLocks sync.Map
}

// New creates an empty registry.
func New(factory transport.Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Resolve returns the connection for offer.ChatID, renegotiating an open one or
// creating a new one. created is true when the caller must start a session.
func (r *Registry) Resolve(ctx context.Context, offer transport.Offer) (conn transport.Connection, created bool, err error) {
	if offer.ChatID == "" {
		return nil, false, errors.New("missing chat id")
	}
	if err := transport.ValidateOffer(offer.SessionDescription); err != nil {
		return nil, false, err
	}

	lock := r.chatLock(offer.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if existing := r.Get(offer.ChatID); existing != nil {
		err := r.renegotiate(ctx, existing, offer)
		if err == nil {
			r.logger.Info("[REGISTRY] Renegotiated connection",
				"chat_id", offer.ChatID,
				"connection_id", existing.ID(),
			)
			return existing, false, nil
		}

		var dup *DuplicateSessionError
		if !errors.As(err, &dup) {
			return nil, false, err
		}
		r.logger.Warn("[REGISTRY] Replacing stale connection",
			"chat_id", offer.ChatID,
			"connection_id", existing.ID(),
		)
		r.Evict(existing.ID())
		if err := existing.Close(); err != nil {
			r.logger.Debug("[REGISTRY] Failed to close stale connection", "connection_id", existing.ID(), "error", err)
		}
	}

	conn, err = r.factory(offer.UserID, offer.ChatID)
	if err != nil {
		return nil, false, fmt.Errorf("create connection: %w", err)
	}
	if err := conn.Initialize(ctx, offer.SessionDescription); err != nil {
		if cerr := conn.Close(); cerr != nil {
			r.logger.Debug("[REGISTRY] Failed to close connection", "connection_id", conn.ID(), "error", cerr)
		}
		return nil, false, fmt.Errorf("initialize connection: %w", err)
	}

	sub := conn.Subscribe(transport.EventClosed, func(c transport.Connection) {
		r.Evict(c.ID())
	})

	r.mu.Lock()
	r.entries[offer.ChatID] = entry{conn: conn, sub: sub}
	r.mu.Unlock()

	r.logger.Info("[REGISTRY] Registered connection",
		"user_id", offer.UserID,
		"chat_id", offer.ChatID,
		"connection_id", conn.ID(),
	)
	return conn, true, nil
}

func (r *Registry) renegotiate(ctx context.Context, conn transport.Connection, offer transport.Offer) error {
	dup := &DuplicateSessionError{ChatID: offer.ChatID, ConnectionID: conn.ID()}
	if conn.State() == transport.StateClosed {
		return dup
	}
	if err := conn.Renegotiate(ctx, offer.SessionDescription); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return dup
		}
		return fmt.Errorf("renegotiate connection %s: %w", conn.ID(), err)
	}
	return nil
}

func (r *Registry) chatLock(chatID string) *sync.Mutex {
	lock, _ := r.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Evict removes the entry that maps to connectionID. Evicting a connection
// that was already replaced is a no-op.
func (r *Registry) Evict(connectionID string) {
	r.mu.Lock()
	var removed *entry
	for chatID, e := range r.entries {
		if e.conn.ID() == connectionID {
			delete(r.entries, chatID)
			removed = &e
			break
		}
	}
	r.mu.Unlock()

	if removed == nil {
		return
	}
	removed.sub.Unsubscribe()
	r.logger.Info("[REGISTRY] Evicted connection",
		"chat_id", removed.conn.ChatID(),
		"connection_id", connectionID,
	)
}

// Get returns the connection registered for chatID, or nil.
func (r *Registry) Get(chatID string) transport.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[chatID]; ok {
		return e.conn
	}
	return nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll closes every registered connection concurrently and waits for all
// of them, even when some fail. The registry is empty afterwards.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]entry)
	r.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	r.logger.Info("[REGISTRY] Closing all connections", "count", len(entries))

	errs := make([]error, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		e.sub.Unsubscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.conn.Close(); err != nil {
				errs[i] = fmt.Errorf("close connection %s: %w", e.conn.ID(), err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("close connections: %w", ctx.Err())
	}
	return errors.Join(errs...)
}
