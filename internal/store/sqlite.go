package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/interview-bot/internal/domain"
	"github.com/ashureev/interview-bot/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	saveMaxRetries     = 3
	saveRetryBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements TranscriptStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed transcript store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. Pragmas are applied per connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_user_chat ON chats(user_id, chat_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save inserts a new chat record. SQLITE_BUSY conflicts are retried with backoff.
func (s *SQLiteStore) Save(ctx context.Context, userID, chatID string, messages []domain.TurnRecord) (*domain.ChatRecord, error) {
	if messages == nil {
		messages = []domain.TurnRecord{}
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return nil, &PersistenceError{Op: "save", UserID: userID, ChatID: chatID, Err: fmt.Errorf("encode messages: %w", err)}
	}

	now := s.now().UTC()
	record := &domain.ChatRecord{
		UserID:    userID,
		ChatID:    chatID,
		Messages:  messages,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for i := 0; i < saveMaxRetries; i++ {
		id, err := s.insertOnce(ctx, userID, chatID, string(payload), now)
		if err == nil {
			record.ID = id
			return record, nil
		}

		if shared.IsSQLiteConflictError(err) && i < saveMaxRetries-1 {
			delay := saveRetryBaseDelay * time.Duration(1<<i) // 50ms, 100ms
			slog.Debug("Transcript save hit SQLITE_BUSY, retrying",
				"user_id", userID,
				"chat_id", chatID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, &PersistenceError{Op: "save", UserID: userID, ChatID: chatID, Err: ctx.Err()}
			}
		}

		return nil, &PersistenceError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
	}

	return nil, &PersistenceError{Op: "save", UserID: userID, ChatID: chatID, Err: fmt.Errorf("retries exhausted")}
}

func (s *SQLiteStore) insertOnce(ctx context.Context, userID, chatID, payload string, now time.Time) (int64, error) {
	query := `
	INSERT INTO chats (user_id, chat_id, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query, userID, chatID, payload, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get inserted id: %w", err)
	}
	return id, nil
}

// List returns the stored records for a user and chat, oldest first.
func (s *SQLiteStore) List(ctx context.Context, userID, chatID string) ([]*domain.ChatRecord, error) {
	query := `
		SELECT id, user_id, chat_id, messages_json, created_at, updated_at
		FROM chats WHERE user_id = ? AND chat_id = ?
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID, chatID)
	if err != nil {
		return nil, &PersistenceError{Op: "list", UserID: userID, ChatID: chatID, Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	var records []*domain.ChatRecord
	for rows.Next() {
		var rec domain.ChatRecord
		var messagesJSON string
		var createdAt, updatedAt int64

		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ChatID, &messagesJSON, &createdAt, &updatedAt); err != nil {
			return nil, &PersistenceError{Op: "list", UserID: userID, ChatID: chatID, Err: fmt.Errorf("scan chat row: %w", err)}
		}
		if err := json.Unmarshal([]byte(messagesJSON), &rec.Messages); err != nil {
			return nil, &PersistenceError{Op: "list", UserID: userID, ChatID: chatID, Err: fmt.Errorf("decode messages: %w", err)}
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list", UserID: userID, ChatID: chatID, Err: fmt.Errorf("iterate chats: %w", err)}
	}

	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ TranscriptStore = (*SQLiteStore)(nil)
