// Package sqlite is the local event store: normalized events, the outbox
// feeding JetStream, and per-user sync checkpoints.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/nerve-gmail/internal/event"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Store is a SQLite-backed sink. It satisfies sync.Publisher.
type Store struct {
	db *sqlx.DB

	// Outbox queues every newly stored event for relay to JetStream.
	Outbox bool
	// SubjectPrefix roots outbox subjects; event.DefaultSubjectPrefix when empty.
	SubjectPrefix string
}

// OutboxMessage is a queued publication.
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
	Retries int    `db:"retries"`
}

// Open opens or creates the event database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Publish stores ev. Re-publishing a stored message is a no-op.
func (s *Store) Publish(ctx context.Context, ev event.Event) error {
	_, err := s.Append(ctx, ev)
	return err
}

// Append stores ev and, with the outbox enabled, queues it for relay in the
// same transaction. It reports whether ev was new.
func (s *Store) Append(ctx context.Context, ev event.Event) (bool, error) {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(event_id, source, source_id, user_id, event_type, ts, title, content, thread_id, metadata_json, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, source_id) DO NOTHING
	`, event.ID(ev), ev.Source, ev.SourceID, ev.UserID, string(ev.EventType), ev.Timestamp.UnixMilli(),
		ev.Title, ev.Content, ev.ThreadID, string(meta), now)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	if s.Outbox {
		payload, err := event.NewEnvelope(ev).Marshal()
		if err != nil {
			return false, fmt.Errorf("failed to encode envelope: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, event.Subject(s.SubjectPrefix, ev), string(ev.EventType), payload, ev.DedupKey(), now)
		if err != nil {
			return false, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit event: %w", err)
	}
	return true, nil
}

// EventFilter narrows Events. Zero values match everything.
type EventFilter struct {
	UserID string
	Type   event.Type
	Limit  int
}

type eventRow struct {
	Source       string `db:"source"`
	SourceID     string `db:"source_id"`
	UserID       string `db:"user_id"`
	EventType    string `db:"event_type"`
	TS           int64  `db:"ts"`
	Title        string `db:"title"`
	Content      string `db:"content"`
	ThreadID     string `db:"thread_id"`
	MetadataJSON string `db:"metadata_json"`
}

// Events returns stored events, newest first.
func (s *Store) Events(ctx context.Context, f EventFilter) ([]event.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.Type))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	limit = min(limit, maxEventLimit)

	q := `SELECT source, source_id, user_id, event_type, ts, title, content, thread_id, metadata_json FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		ev := event.Event{
			Source:    r.Source,
			SourceID:  r.SourceID,
			UserID:    r.UserID,
			Timestamp: time.UnixMilli(r.TS).UTC(),
			EventType: event.Type(r.EventType),
			Title:     r.Title,
			Content:   r.Content,
			ThreadID:  r.ThreadID,
		}
		if err := json.Unmarshal([]byte(r.MetadataJSON), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", r.SourceID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and defers the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the stored history cursor for userID. ok is false
// when no usable cursor has been saved.
func (s *Store) LoadCheckpoint(ctx context.Context, userID string) (cursor uint64, ok bool, err error) {
	var raw sql.NullString
	err = s.db.GetContext(ctx, &raw, `SELECT cursor FROM sync_state WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return 0, false, nil
	}
	cursor, err = strconv.ParseUint(raw.String, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid checkpoint %q: %w", raw.String, err)
	}
	return cursor, true, nil
}

// SaveCheckpoint records a successful sync up to cursor.
func (s *Store) SaveCheckpoint(ctx context.Context, userID string, cursor uint64, status string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, cursor, last_synced_at, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, '', ?)
		ON CONFLICT(user_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			status = excluded.status,
			last_error = '',
			retry_count = 0,
			updated_at = excluded.updated_at
	`, userID, strconv.FormatUint(cursor, 10), now, status, now)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// UpdateSyncStatus records status, counting a retry when errMsg is set.
func (s *Store) UpdateSyncStatus(ctx context.Context, userID, status, errMsg string) error {
	retry := 0
	if errMsg != "" {
		retry = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = sync_state.retry_count + excluded.retry_count,
			updated_at = excluded.updated_at
	`, userID, status, errMsg, retry, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// SyncState is the stored sync bookkeeping for one user.
type SyncState struct {
	UserID       string         `db:"user_id" json:"user_id"`
	Cursor       sql.NullString `db:"cursor" json:"-"`
	LastSyncedAt sql.NullInt64  `db:"last_synced_at" json:"-"`
	Status       string         `db:"status" json:"status"`
	LastError    string         `db:"last_error" json:"last_error,omitempty"`
	RetryCount   int            `db:"retry_count" json:"retry_count"`
}

// SyncState returns the bookkeeping row for userID, or nil if there is none.
func (s *Store) SyncState(ctx context.Context, userID string) (*SyncState, error) {
	var st SyncState
	err := s.db.GetContext(ctx, &st, `
		SELECT user_id, cursor, last_synced_at, status, last_error, retry_count
		FROM sync_state WHERE user_id = ?
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return &st, nil
}
