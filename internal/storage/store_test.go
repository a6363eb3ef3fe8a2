package storage

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func testStoreLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "index", "attachments.db"), testStoreLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	att := domain.Attachment{
		AttachmentID:   "a1",
		AttachmentType: "image",
		Filename:       "cat.png",
		ContentType:    "image/png",
		Size:           1234,
		FilePath:       "/tmp/a1/cat.png",
		URL:            "https://example.com/cat.png",
		CreatedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Put(ctx, "456", att))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, att.Filename, got.Filename)
	assert.Equal(t, att.FilePath, got.FilePath)
	assert.Equal(t, att.Size, got.Size)
	assert.Equal(t, att.URL, got.URL)
	assert.True(t, att.CreatedAt.Equal(got.CreatedAt))

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_PutUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "456", domain.Attachment{AttachmentID: "a1", Filename: "v1", FilePath: "/p1"}))
	require.NoError(t, s.Put(ctx, "789", domain.Attachment{AttachmentID: "a1", Filename: "v2", FilePath: "/p2"}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.ListByConversation(ctx, "789", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].Filename)
}

func TestSQLiteStore_DeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, "c", domain.Attachment{AttachmentID: "old", Filename: "o", FilePath: "/old", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.Put(ctx, "c", domain.Attachment{AttachmentID: "new", Filename: "n", FilePath: "/new", CreatedAt: now}))

	paths, err := s.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"/old"}, paths)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(db, testStoreLogger()))
	require.NoError(t, RunMigrations(db, testStoreLogger()))

	v, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestGetSchemaVersion_FreshDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	v, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}
