package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/channel"
	"github.com/antra-tess/connectome-adapters/internal/config"
	"github.com/antra-tess/connectome-adapters/internal/domain"
	"github.com/antra-tess/connectome-adapters/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Attachments.StorageDir = filepath.Join(dir, "attachments")
	cfg.Attachments.IndexPath = filepath.Join(dir, "attachments.db")
	return cfg
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("whatever"))
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "adapter.log")
	log, closer, err := newLogger(config.LoggingConfig{Level: "info", Format: "json", File: path})
	require.NoError(t, err)
	log.Info("hello", "k", "v")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewPlatform_AllTypes(t *testing.T) {
	cfg := testConfig(t)
	for typ, want := range map[string]string{
		config.AdapterTelegram: "telegram",
		config.AdapterDiscord:  "discord",
		config.AdapterSlack:    "slack",
		config.AdapterZulip:    "zulip",
		config.AdapterWebhook:  "webhook",
		config.AdapterShell:    "shell",
	} {
		cfg.Adapter.Type = typ
		p, err := newPlatform(cfg, nil, quietLogger())
		require.NoError(t, err, typ)
		assert.Equal(t, want, p.Name())
	}

	cfg.Adapter.Type = "irc"
	_, err := newPlatform(cfg, nil, quietLogger())
	assert.Error(t, err)
}

func TestDownloadHeader(t *testing.T) {
	cfg := config.Defaults()
	cfg.Adapter.Type = config.AdapterSlack
	cfg.Slack.BotToken = "xoxb-1"
	assert.Equal(t, "Bearer xoxb-1", downloadHeader(cfg).Get("Authorization"))

	cfg.Adapter.Type = config.AdapterZulip
	cfg.Zulip.Email = "bot@example.com"
	cfg.Zulip.APIKey = "key"
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.SetBasicAuth("bot@example.com", "key")
	assert.Equal(t, req.Header.Get("Authorization"), downloadHeader(cfg).Get("Authorization"))

	cfg.Adapter.Type = config.AdapterTelegram
	assert.Empty(t, downloadHeader(cfg).Get("Authorization"))
}

func TestNewService_MountsWebhook(t *testing.T) {
	cfg := testConfig(t)
	cfg.Adapter.Type = config.AdapterWebhook
	cfg.Webhook.Path = "/hooks/in"

	svc, err := newService(cfg, quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	_, ok := svc.platform.(*channel.Webhook)
	require.True(t, ok)

	srv := httptest.NewServer(svc.socket.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/hooks/in", "application/json", strings.NewReader(`{"event_type":"message","conversation_id":"c1","text":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, svc.proc.Manager().Stats().Conversations)
}

func TestPurgeAttachments(t *testing.T) {
	dir := t.TempDir()
	storageDir := filepath.Join(dir, "attachments")
	store, err := storage.NewSQLiteStore(filepath.Join(dir, "index.db"), quietLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	put := func(id string, age time.Duration) string {
		attDir := filepath.Join(storageDir, "image", id)
		require.NoError(t, os.MkdirAll(attDir, 0o755))
		file := filepath.Join(attDir, id+".png")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		require.NoError(t, store.Put(ctx, "c1", domain.Attachment{
			AttachmentID: id,
			FilePath:     file,
			CreatedAt:    time.Now().Add(-age),
		}))
		return attDir
	}
	oldDir := put("old", 48*time.Hour)
	newDir := put("new", time.Minute)

	n, err := purgeAttachments(ctx, store, storageDir, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, oldDir)
	assert.DirExists(t, newDir)
}

func TestPurgeAttachments_IgnoresPathsOutsideStorage(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(filepath.Join(dir, "index.db"), quietLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	outside := filepath.Join(dir, "elsewhere")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, store.Put(ctx, "c1", domain.Attachment{
		AttachmentID: "a",
		FilePath:     filepath.Join(outside, "a.txt"),
		CreatedAt:    time.Now().Add(-time.Hour),
	}))

	n, err := purgeAttachments(ctx, store, filepath.Join(dir, "attachments"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.DirExists(t, outside)
}

func TestUnitName(t *testing.T) {
	assert.Equal(t, "connectome", unitName("connectome"))
	assert.Equal(t, "connectome-tg-main", unitName("tg main"))
	assert.Equal(t, "connectome", unitName("///"))
}

func TestRenderUnits(t *testing.T) {
	u := serviceUnit{Name: "connectome-tg", Exec: "/usr/bin/connectome", Config: "/etc/c.json", Log: "/l", ErrLog: "/e", Adapter: "telegram"}

	unit := renderSystemd(u)
	assert.Contains(t, unit, "ExecStart=/usr/bin/connectome run --config /etc/c.json")
	assert.Contains(t, unit, "Connectome telegram adapter")

	plist := renderLaunchd(u)
	assert.Contains(t, plist, "<string>com.connectome.tg</string>")
	assert.Contains(t, plist, "<string>run</string>")
	assert.NotContains(t, plist, "{{")
}

func TestRestoreTarget(t *testing.T) {
	p := backupPaths{config: "/c/config.yaml", index: "/c/att.db", storageDir: "/c/files"}

	assert.Equal(t, "/c/config.yaml", restoreTarget("config/config.json", p))
	assert.Equal(t, "/c/att.db", restoreTarget("index/att.db", p))
	assert.Equal(t, "/c/att.db-wal", restoreTarget("index/att.db-wal", p))
	assert.Equal(t, filepath.Join("/c/files", "image", "a1", "x.png"), restoreTarget("attachments/image/a1/x.png", p))
	assert.Empty(t, restoreTarget("attachments/../../etc/passwd", p))
	assert.Empty(t, restoreTarget("other/file", p))
	assert.Empty(t, restoreTarget("config.json", p))
}

func TestBackupRoundTrip(t *testing.T) {
	src := t.TempDir()
	p := backupPaths{
		config:     filepath.Join(src, "config.json"),
		index:      filepath.Join(src, "att.db"),
		storageDir: filepath.Join(src, "files"),
	}
	require.NoError(t, os.WriteFile(p.config, []byte(`{"a":1}`), 0o644))
	require.NoError(t, os.WriteFile(p.index, []byte("db"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(p.storageDir, "image", "a1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p.storageDir, "image", "a1", "x.png"), []byte("png"), 0o644))

	entries, err := collectBackupEntries(p, true)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	require.NoError(t, createTarGz(archive, entries))

	dst := t.TempDir()
	q := backupPaths{
		config:     filepath.Join(dst, "cfg", "config.json"),
		index:      filepath.Join(dst, "att.db"),
		storageDir: filepath.Join(dst, "files"),
	}
	restored, err := extractTarGz(archive, q)
	require.NoError(t, err)
	assert.Len(t, restored, 3)

	data, err := os.ReadFile(filepath.Join(q.storageDir, "image", "a1", "x.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
	data, err = os.ReadFile(q.config)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestDialHost(t *testing.T) {
	assert.Equal(t, "127.0.0.1", dialHost("0.0.0.0"))
	assert.Equal(t, "127.0.0.1", dialHost(""))
	assert.Equal(t, "example.com", dialHost("example.com"))
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","clients":2}`))
	}))
	defer srv.Close()

	h, err := fetchHealth(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Clients)
}
