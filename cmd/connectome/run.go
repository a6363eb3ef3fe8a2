package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/antra-tess/connectome-adapters/internal/attachment"
	"github.com/antra-tess/connectome-adapters/internal/bus"
	"github.com/antra-tess/connectome-adapters/internal/cache"
	"github.com/antra-tess/connectome-adapters/internal/channel"
	"github.com/antra-tess/connectome-adapters/internal/config"
	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
	"github.com/antra-tess/connectome-adapters/internal/processor"
	"github.com/antra-tess/connectome-adapters/internal/ratelimit"
	"github.com/antra-tess/connectome-adapters/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured platform and serve socket clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, closeLog, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()
			logger = log
			slog.SetDefault(log)

			svc, err := newService(cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
}

// service owns every long-lived component of one adapter process.
type service struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *storage.SQLiteStore
	messages    *cache.MessageCache
	attachments *cache.AttachmentCache
	events      *bus.EventBus
	requests    *bus.RequestBus
	proc        *processor.Processor
	platform    domain.Platform
	socket      *channel.SocketServer
}

func newService(cfg *config.Config, log *slog.Logger) (*service, error) {
	storageDir := config.ExpandPath(cfg.Attachments.StorageDir)
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment storage: %w", err)
	}
	store, err := storage.NewSQLiteStore(config.ExpandPath(cfg.Attachments.IndexPath), log)
	if err != nil {
		return nil, fmt.Errorf("open attachment index: %w", err)
	}

	messages := cache.NewMessageCache(cache.MessageCacheConfig{
		MaxAge:              cfg.Caching.MaxAge(),
		MaxPerConversation:  cfg.Caching.MaxMessagesPerConversation,
		MaxTotal:            cfg.Caching.MaxTotalMessages,
		MaintenanceInterval: cfg.Caching.MaintenanceInterval(),
		Logger:              log,
	})
	attachments := cache.NewAttachmentCache(cache.AttachmentCacheConfig{
		MaxAge:              cfg.Attachments.MaxAge(),
		MaxTotal:            cfg.Attachments.MaxTotalAttachments,
		MaintenanceInterval: cfg.Attachments.CleanupInterval(),
		Index:               store,
		Logger:              log,
	})
	manager := conversation.NewManager(conversation.ManagerConfig{
		Messages:    messages,
		Attachments: attachments,
		Logger:      log,
	})

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRPM:          cfg.RateLimit.GlobalRPM,
		PerConversationRPM: cfg.RateLimit.PerConversationRPM,
		MessageRPM:         cfg.RateLimit.MessageRPM,
	})
	downloader := attachment.NewDownloader(attachment.DownloaderConfig{
		StorageDir:  storageDir,
		MaxFileSize: cfg.Attachments.MaxFileSize(),
		Header:      downloadHeader(cfg),
		Limiter:     limiter,
		Logger:      log,
	})

	events := bus.NewEventBus(log, cfg.Socket.EventHistory)
	requests := bus.NewRequestBus(cfg.Socket.RequestBuffer, log)

	proc := processor.New(processor.Config{
		Platform:     cfg.Adapter.Type,
		AdapterID:    cfg.Adapter.AdapterID,
		Manager:      manager,
		Emitter:      events,
		Downloader:   downloader,
		Limiter:      limiter,
		HistoryLimit: cfg.Adapter.MaxHistoryLimit,
		Concurrency:  cfg.Adapter.RequestConcurrency,
		LargeFile:    int64(cfg.Attachments.LargeFileThresholdMB) << 20,
		Logger:       log,
	})

	platform, err := newPlatform(cfg, proc, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	proc.Attach(platform)

	socketCfg := channel.SocketConfig{
		Host:           cfg.Socket.Host,
		Port:           cfg.Socket.Port,
		AllowedOrigins: cfg.Socket.CORSAllowedOrigins,
		Events:         events,
		Requests:       requests,
		Logger:         log,
	}
	if cfg.Metrics.Enabled {
		socketCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	socket := channel.NewSocketServer(socketCfg)
	if wh, ok := platform.(*channel.Webhook); ok {
		socket.Handle(wh.Path(), wh)
	}

	return &service{
		cfg:         cfg,
		logger:      log,
		store:       store,
		messages:    messages,
		attachments: attachments,
		events:      events,
		requests:    requests,
		proc:        proc,
		platform:    platform,
		socket:      socket,
	}, nil
}

// newPlatform builds the adapter selected by adapter.type, reporting to sink.
func newPlatform(cfg *config.Config, sink channel.Sink, log *slog.Logger) (domain.Platform, error) {
	a := cfg.Adapter
	switch a.Type {
	case config.AdapterTelegram:
		return channel.NewTelegram(channel.TelegramConfig{
			Token:            cfg.Telegram.BotToken,
			AllowedChats:     cfg.Telegram.AllowedChats,
			ParseMode:        cfg.Telegram.ParseMode,
			MaxMessageLength: a.MaxMessageLength,
			Sink:             sink,
			Logger:           log,
		}), nil
	case config.AdapterDiscord:
		return channel.NewDiscord(channel.DiscordConfig{
			Token:                   cfg.Discord.BotToken,
			GuildID:                 cfg.Discord.GuildID,
			MaxMessageLength:        a.MaxMessageLength,
			MaxPaginationIterations: a.MaxPaginationIterations,
			Sink:                    sink,
			Logger:                  log,
		}), nil
	case config.AdapterSlack:
		return channel.NewSlack(channel.SlackConfig{
			BotToken:                cfg.Slack.BotToken,
			AppToken:                cfg.Slack.AppToken,
			MaxMessageLength:        a.MaxMessageLength,
			MaxPaginationIterations: a.MaxPaginationIterations,
			Sink:                    sink,
			Logger:                  log,
		}), nil
	case config.AdapterZulip:
		return channel.NewZulip(channel.ZulipConfig{
			Site:             cfg.Zulip.Site,
			Email:            cfg.Zulip.Email,
			APIKey:           cfg.Zulip.APIKey,
			MaxMessageLength: a.MaxMessageLength,
			Sink:             sink,
			Logger:           log,
		}), nil
	case config.AdapterWebhook:
		return channel.NewWebhook(channel.WebhookConfig{
			Path:        cfg.Webhook.Path,
			Secret:      cfg.Webhook.Secret,
			CallbackURL: cfg.Webhook.CallbackURL,
			Sink:        sink,
			Logger:      log,
		}), nil
	case config.AdapterShell:
		return channel.NewShell(channel.ShellConfig{
			UserID:         cfg.Shell.UserID,
			ConversationID: cfg.Shell.ConversationID,
			Sink:           sink,
			Logger:         log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", a.Type)
	}
}

// downloadHeader returns the credentials private file URLs need. Telegram
// embeds the token in the URL and Discord serves files from a public CDN.
func downloadHeader(cfg *config.Config) http.Header {
	h := http.Header{}
	switch cfg.Adapter.Type {
	case config.AdapterSlack:
		if cfg.Slack.BotToken != "" {
			h.Set("Authorization", "Bearer "+cfg.Slack.BotToken)
		}
	case config.AdapterZulip:
		if cfg.Zulip.Email != "" {
			creds := base64.StdEncoding.EncodeToString([]byte(cfg.Zulip.Email + ":" + cfg.Zulip.APIKey))
			h.Set("Authorization", "Basic "+creds)
		}
	}
	return h
}

// Run starts every component and blocks until ctx is cancelled or the shell
// adapter exits, then shuts down within shutdownTimeout.
func (s *service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.messages.Start(ctx)
	s.attachments.Start(ctx)

	s.logger.Info("connectome starting",
		"version", version,
		"adapter", s.cfg.Adapter.Type,
		"adapter_id", s.cfg.Adapter.AdapterID,
		"socket", s.socket.Addr(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.proc.Run(gctx, s.requests)
		return nil
	})
	g.Go(func() error { return s.socket.Start(gctx) })
	g.Go(func() error {
		s.supervise(gctx, cancel)
		return nil
	})
	g.Go(func() error {
		s.housekeeping(gctx)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	<-gctx.Done()
	s.logger.Info("shutting down")
	select {
	case err := <-done:
		s.logger.Info("shutdown complete")
		return err
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timed out")
		return nil
	}
}

// supervise keeps the platform connected, reconnecting after retry_delay.
// A shell session that ends stops the whole service.
func (s *service) supervise(ctx context.Context, stopAll context.CancelFunc) {
	name := s.platform.Name()
	for {
		s.emitConnection(bus.EventConnect)
		err := s.platform.Start(ctx)
		s.emitConnection(bus.EventDisconnect)
		if ctx.Err() != nil {
			_ = s.platform.Stop()
			return
		}
		if err == nil && name == config.AdapterShell {
			stopAll()
			return
		}
		if err != nil {
			s.logger.Error("adapter disconnected", "adapter", name, "err", err)
		} else {
			s.logger.Warn("adapter stopped unexpectedly", "adapter", name)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Adapter.Retry()):
			s.logger.Info("reconnecting adapter", "adapter", name)
		}
	}
}

func (s *service) emitConnection(eventType string) {
	s.events.Emit(bus.Event{
		Type:      eventType,
		Source:    s.cfg.Adapter.Type,
		AdapterID: s.cfg.Adapter.AdapterID,
		Payload:   map[string]any{"adapter_type": s.cfg.Adapter.Type},
		Timestamp: time.Now(),
	})
}

// housekeeping logs a status line every connection_check_interval and
// removes stored attachments past max_age_days every cleanup interval.
func (s *service) housekeeping(ctx context.Context) {
	status := time.NewTicker(s.cfg.Adapter.ConnectionCheck())
	defer status.Stop()
	cleanup := time.NewTicker(s.cfg.Attachments.CleanupInterval())
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-status.C:
			st := s.proc.Manager().Stats()
			s.logger.Info("adapter status",
				"adapter", s.cfg.Adapter.Type,
				"conversations", st.Conversations,
				"messages", st.Messages,
				"attachments", st.Attachments,
				"clients", s.socket.ClientCount(),
			)
		case <-cleanup.C:
			n, err := purgeAttachments(ctx, s.store, config.ExpandPath(s.cfg.Attachments.StorageDir), time.Now().Add(-s.cfg.Attachments.MaxAge()))
			if err != nil {
				s.logger.Error("attachment cleanup failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("attachments removed", "count", n)
			}
		}
	}
}

// purgeAttachments drops index rows older than cutoff and deletes their
// per-attachment directories. Paths outside storageDir are left alone.
func purgeAttachments(ctx context.Context, store *storage.SQLiteStore, storageDir string, cutoff time.Time) (int, error) {
	paths, err := store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	root := filepath.Clean(storageDir) + string(filepath.Separator)
	var errs []error
	for _, p := range paths {
		dir := filepath.Dir(filepath.Clean(p))
		if !strings.HasPrefix(dir+string(filepath.Separator), root) || dir+string(filepath.Separator) == root {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return len(paths), errors.Join(errs...)
}

func (s *service) Close() {
	s.requests.Close()
	s.messages.Close()
	s.attachments.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("attachment index close failed", "err", err)
	}
}
