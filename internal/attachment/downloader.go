package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antra-tess/connectome-adapters/internal/domain"
	"github.com/antra-tess/connectome-adapters/internal/ratelimit"
)

// ErrTooLarge is returned when a file exceeds the configured size limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

const requestDownload = "download_attachment"

var extensionTypes = map[string][]string{
	"image":      {"jpg", "jpeg", "png", "gif", "webp", "bmp", "tiff", "tif", "svg", "heic", "heif"},
	"video":      {"mp4", "mov", "avi", "mkv", "wmv", "flv", "webm", "3gp", "m4v", "mpeg", "mpg", "ts"},
	"audio":      {"mp3", "wav", "ogg", "flac", "m4a", "aac", "wma", "opus", "aiff"},
	"document":   {"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "odp", "txt", "rtf", "csv"},
	"archive":    {"zip", "rar", "7z", "tar", "gz", "bz2", "xz", "iso"},
	"code":       {"py", "js", "html", "css", "java", "c", "cpp", "h", "php", "rb", "json", "xml", "sql", "sh", "bat", "go"},
	"ebook":      {"epub", "mobi", "azw", "azw3", "fb2"},
	"font":       {"ttf", "otf", "woff", "woff2", "eot"},
	"3d_model":   {"obj", "stl", "fbx", "3ds", "blend"},
	"executable": {"exe", "dll", "app", "msi", "apk", "deb", "rpm"},
	"sticker":    {"tgs"},
}

// TypeForFilename classifies a file by extension; unknown extensions are documents.
func TypeForFilename(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return "document"
	}
	for typ, exts := range extensionTypes {
		for _, e := range exts {
			if e == ext {
				return typ
			}
		}
	}
	return "document"
}

type DownloaderConfig struct {
	StorageDir  string
	MaxFileSize int64 // bytes, 0 = unlimited
	// Header is added to every request, e.g. a bearer token for private file URLs.
	Header  http.Header
	Client  *http.Client
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// Downloader stores platform files under StorageDir/<type>/<attachment_id>/.
type Downloader struct {
	cfg    DownloaderConfig
	client *http.Client
	logger *slog.Logger
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Downloader{cfg: cfg, client: cfg.Client, logger: cfg.Logger}
}

// Download fetches file into local storage and returns its metadata.
func (d *Downloader) Download(ctx context.Context, conversationID string, file domain.RemoteFile) (*domain.Attachment, error) {
	if file.ID == "" || file.URL == "" {
		return nil, fmt.Errorf("attachment %q: missing id or url", file.ID)
	}
	if d.cfg.MaxFileSize > 0 && file.Size > d.cfg.MaxFileSize {
		return nil, fmt.Errorf("attachment %s (%d bytes): %w", file.ID, file.Size, ErrTooLarge)
	}
	if d.cfg.Limiter != nil {
		if err := d.cfg.Limiter.Wait(ctx, requestDownload, conversationID); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	filename := sanitizeFilename(file.Filename, file.ID)
	typ := TypeForFilename(filename)
	dir := filepath.Join(d.cfg.StorageDir, typ, sanitizeFilename(file.ID, "attachment"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range d.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", file.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %d", file.ID, resp.StatusCode)
	}

	path := filepath.Join(dir, filename)
	size, err := d.writeFile(path, resp.Body)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	contentType := file.ContentType
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}

	att := &domain.Attachment{
		AttachmentID:   file.ID,
		AttachmentType: typ,
		Filename:       filename,
		Size:           size,
		ContentType:    contentType,
		URL:            file.URL,
		FilePath:       path,
		CreatedAt:      time.Now(),
	}
	if err := writeMetadata(dir, att); err != nil {
		d.logger.Warn("attachment metadata not written", "attachment_id", file.ID, "err", err)
	}

	d.logger.Debug("attachment downloaded",
		"attachment_id", file.ID,
		"conversation_id", conversationID,
		"size", size,
		"duration", time.Since(start),
	)
	return att, nil
}

func (d *Downloader) writeFile(path string, body io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	src := body
	if d.cfg.MaxFileSize > 0 {
		src = io.LimitReader(body, d.cfg.MaxFileSize+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	if d.cfg.MaxFileSize > 0 && n > d.cfg.MaxFileSize {
		return n, ErrTooLarge
	}
	return n, nil
}

func writeMetadata(dir string, att *domain.Attachment) error {
	data, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644)
}

// sanitizeFilename strips path components so a platform-supplied name cannot
// escape the attachment directory.
func sanitizeFilename(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return fallback
	}
	return name
}
