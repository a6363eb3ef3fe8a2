package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/antra-tess/connectome-adapters/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore indexes downloaded attachment files so a restarted adapter
// does not fetch them again. It satisfies cache.AttachmentIndex.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, conversationID string, att domain.Attachment) error {
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, conversation_id, attachment_type, filename, content_type, size, file_path, url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			attachment_type = excluded.attachment_type,
			filename        = excluded.filename,
			content_type    = excluded.content_type,
			size            = excluded.size,
			file_path       = excluded.file_path,
			url             = excluded.url`,
		att.AttachmentID, conversationID, att.AttachmentType, att.Filename, att.ContentType,
		att.Size, att.FilePath, att.URL, att.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("index attachment %s: %w", att.AttachmentID, err)
	}
	return nil
}

// Get returns nil, nil when the attachment is not indexed.
func (s *SQLiteStore) Get(ctx context.Context, attachmentID string) (*domain.Attachment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, attachment_type, filename, content_type, size, file_path, url, created_at
		 FROM attachments WHERE id = ?`, attachmentID)

	att, err := scanAttachment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", attachmentID, err)
	}
	return att, nil
}

// ListByConversation returns indexed attachments of a conversation, oldest first.
func (s *SQLiteStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Attachment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attachment_type, filename, content_type, size, file_path, url, created_at
		 FROM attachments WHERE conversation_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *att)
	}
	return out, rows.Err()
}

// DeleteOlderThan drops index rows created before cutoff and returns their file paths.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM attachments WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE created_at < ?`, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("delete old attachments: %w", err)
	}
	return paths, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments`).Scan(&n)
	return n, err
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttachment(row scanner) (*domain.Attachment, error) {
	var att domain.Attachment
	if err := row.Scan(&att.AttachmentID, &att.AttachmentType, &att.Filename, &att.ContentType,
		&att.Size, &att.FilePath, &att.URL, &att.CreatedAt); err != nil {
		return nil, err
	}
	return &att, nil
}
