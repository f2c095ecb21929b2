package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/khwj/personal-analytics/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store is the local document store and event outbox
type Store struct {
	DB  *sqlx.DB
	now func() time.Time
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
	Retries int    `db:"retries"`
}

// AttachmentRecord is one row of the stored-attachment ledger
type AttachmentRecord struct {
	StorageKey        string `db:"storage_key" json:"storageKey"`
	ProviderMessageID string `db:"provider_message_id" json:"providerMessageId"`
	ProviderThreadID  string `db:"provider_thread_id" json:"providerThreadId"`
	AttachmentID      string `db:"attachment_id" json:"attachmentId"`
	Filename          string `db:"filename" json:"filename"`
	MimeType          string `db:"mime_type" json:"mimeType"`
	Sender            string `db:"sender" json:"sender"`
	Subject           string `db:"subject" json:"subject"`
	ReceivedAt        int64  `db:"received_at" json:"receivedAt"`
}

// Open opens or creates the database at dbPath
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
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

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// GetDocument implements sync.DocumentStore
func (s *Store) GetDocument(ctx context.Context, id string) (sync.Document, error) {
	var body string
	err := s.DB.GetContext(ctx, &body, `SELECT body FROM documents WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}

	doc := sync.Document{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return doc, nil
}

// SetDocument implements sync.DocumentStore by replacing the whole document
func (s *Store) SetDocument(ctx context.Context, id string, doc sync.Document) (time.Time, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to encode document %s: %w", id, err)
	}

	now := s.now()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO documents (id, body, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`, id, string(body), now.UnixNano())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to save document %s: %w", id, err)
	}
	return now, nil
}

// AppendAttachmentStored records a stored attachment and its outbox entry in one transaction.
// A key already in the ledger is ignored together with its event.
func (s *Store) AppendAttachmentStored(ctx context.Context, rec AttachmentRecord, natsSubject, eventType string, payload []byte) (bool, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO stored_attachments
		(storage_key, ts, provider_message_id, provider_thread_id, attachment_id,
		 filename, mime_type, sender, subject, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.StorageKey, now, rec.ProviderMessageID, rec.ProviderThreadID, rec.AttachmentID,
		rec.Filename, rec.MimeType, rec.Sender, rec.Subject, rec.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert attachment record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, rec.StorageKey, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// Attachments lists ledger rows for a provider message
func (s *Store) Attachments(ctx context.Context, providerMessageID string) ([]AttachmentRecord, error) {
	var recs []AttachmentRecord
	err := s.DB.SelectContext(ctx, &recs, `
		SELECT storage_key, provider_message_id, provider_thread_id, attachment_id,
		       filename, mime_type, sender, subject, received_at
		FROM stored_attachments
		WHERE provider_message_id = ?
		ORDER BY storage_key
	`, providerMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	return recs, nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.DB.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
