package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// Shell is a terminal adapter: every stdin line is a message in one private
// conversation, and sent messages are printed.
type Shell struct {
	userID         string
	conversationID string
	sink           Sink
	logger         *slog.Logger
	in             io.Reader
	out            io.Writer
	outMu          sync.Mutex
}

type ShellConfig struct {
	UserID         string
	ConversationID string
	Sink           Sink
	Logger         *slog.Logger
	In             io.Reader
	Out            io.Writer
}

func NewShell(cfg ShellConfig) *Shell {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.UserID == "" {
		cfg.UserID = "user"
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = "shell"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Shell{
		userID:         cfg.UserID,
		conversationID: cfg.ConversationID,
		sink:           cfg.Sink,
		logger:         cfg.Logger,
		in:             cfg.In,
		out:            cfg.Out,
	}
}

func (s *Shell) Name() string { return "shell" }

// Start reads lines until EOF, /quit or ctx cancellation.
func (s *Shell) Start(ctx context.Context) error {
	s.printf("Connectome shell. Type a message and press Enter. Type /quit to exit.\n")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				s.logger.Info("user requested quit")
				return nil
			}
			if err := s.sink.MessageReceived(ctx, s.incoming(line)); err != nil {
				s.logger.Error("shell message failed", "err", err)
			}
		}
	}
}

// Stop is a no-op; Start returns on EOF or cancellation.
func (s *Shell) Stop() error { return nil }

func (s *Shell) incoming(text string) domain.IncomingMessage {
	return domain.IncomingMessage{
		MessageID:       uuid.NewString(),
		Conversation:    domain.ConversationRef{ID: s.conversationID, Type: domain.ConversationPrivate, Name: s.userID},
		Sender:          &domain.UserRef{UserID: s.userID, Username: s.userID},
		Text:            text,
		Timestamp:       time.Now(),
		IsDirectMessage: true,
	}
}

// Handle prints sent messages; the terminal cannot edit or react.
func (s *Shell) Handle(_ context.Context, req domain.Request) (*domain.RequestResult, error) {
	if req.EventType != domain.RequestSendMessage {
		return nil, unsupported(s.Name(), req.EventType)
	}
	s.printf("--- connectome ---\n%s\n------------------\n", req.Data.Text)
	id := uuid.NewString()
	return &domain.RequestResult{
		MessageIDs: []string{id},
		Sent: []domain.IncomingMessage{{
			MessageID:       id,
			Conversation:    domain.ConversationRef{ID: req.Data.ConversationID, Type: domain.ConversationPrivate},
			Sender:          &domain.UserRef{UserID: "connectome", IsBot: true},
			ReplyToID:       req.Data.ThreadID,
			Text:            req.Data.Text,
			Timestamp:       time.Now(),
			IsDirectMessage: true,
		}},
	}, nil
}

func (s *Shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}
