package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// Inbound webhook event types. An empty type means WebhookMessage.
const (
	WebhookMessage       = "message"
	WebhookEdited        = "message_edited"
	WebhookDeleted       = "message_deleted"
	WebhookReactionAdded = "reaction_added"
	WebhookReactionGone  = "reaction_removed"
	WebhookPinned        = "message_pinned"
	WebhookUnpinned      = "message_unpinned"
	WebhookMigrated      = "conversation_migrated"

	signatureHeader = "X-Signature-256"
)

// WebhookConfig configures the webhook adapter.
type WebhookConfig struct {
	Path        string // webhook URL path (default: /webhook)
	Secret      string // HMAC secret for verifying webhook signatures
	CallbackURL string // outgoing requests are POSTed here when set
	Sink        Sink
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Webhook accepts platform events as signed HTTP POSTs and forwards
// outgoing requests to a callback URL. It is served on the socket server's
// mux rather than on a listener of its own.
type Webhook struct {
	path        string
	secret      string
	callbackURL string
	sink        Sink
	client      *http.Client
	logger      *slog.Logger
}

// WebhookPayload is the expected JSON body for webhook requests.
type WebhookPayload struct {
	EventType         string        `json:"event_type"`
	ConversationID    string        `json:"conversation_id"`
	ConversationType  string        `json:"conversation_type,omitempty"`
	ConversationName  string        `json:"conversation_name,omitempty"`
	MessageID         string        `json:"message_id,omitempty"`
	MessageIDs        []string      `json:"message_ids,omitempty"`
	ReplyToID         string        `json:"reply_to_id,omitempty"`
	UserID            string        `json:"user_id,omitempty"`
	Username          string        `json:"username,omitempty"`
	DisplayName       string        `json:"display_name,omitempty"`
	IsBot             bool          `json:"is_bot,omitempty"`
	Text              string        `json:"text,omitempty"`
	Mentions          []string      `json:"mentions,omitempty"`
	Emoji             string        `json:"emoji,omitempty"`
	Timestamp         int64         `json:"timestamp,omitempty"` // unix seconds
	NewConversationID string        `json:"new_conversation_id,omitempty"`
	Files             []WebhookFile `json:"files,omitempty"`
}

type WebhookFile struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// NewWebhook creates a new webhook adapter.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		path:        cfg.Path,
		secret:      cfg.Secret,
		callbackURL: cfg.CallbackURL,
		sink:        cfg.Sink,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Path is where ServeHTTP expects to be mounted.
func (w *Webhook) Path() string { return w.path }

// Start blocks until ctx is done; events arrive through ServeHTTP.
func (w *Webhook) Start(ctx context.Context) error {
	w.logger.Info("webhook adapter ready", "path", w.path, "callback", w.callbackURL != "")
	<-ctx.Done()
	return nil
}

func (w *Webhook) Stop() error { return nil }

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.logger.Info("webhook received",
		"event_type", payload.EventType,
		"conversation_id", payload.ConversationID,
		"message_id", payload.MessageID,
	)

	if err := w.dispatch(r.Context(), &payload); err != nil {
		w.logger.Error("webhook event failed", "event_type", payload.EventType, "err", err)
		http.Error(rw, "Event not applied", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(rw).Encode(map[string]string{
		"status": "accepted",
	})
}

func (p *WebhookPayload) validate() error {
	if p.EventType == "" {
		p.EventType = WebhookMessage
	}
	switch p.EventType {
	case WebhookMessage:
		if p.Text == "" && len(p.Files) == 0 {
			return fmt.Errorf("text or files required")
		}
		if p.ConversationID == "" {
			p.ConversationID = "webhook-default"
		}
		if p.MessageID == "" {
			p.MessageID = uuid.NewString()
		}
	case WebhookEdited, WebhookReactionAdded, WebhookReactionGone, WebhookPinned, WebhookUnpinned:
		if p.MessageID == "" {
			return fmt.Errorf("message_id required")
		}
		if (p.EventType == WebhookReactionAdded || p.EventType == WebhookReactionGone) && p.Emoji == "" {
			return fmt.Errorf("emoji required")
		}
	case WebhookDeleted:
		if p.MessageID == "" && len(p.MessageIDs) == 0 {
			return fmt.Errorf("message_id or message_ids required")
		}
	case WebhookMigrated:
		if p.ConversationID == "" || p.NewConversationID == "" {
			return fmt.Errorf("conversation_id and new_conversation_id required")
		}
	default:
		return fmt.Errorf("unknown event_type %q", p.EventType)
	}
	return nil
}

func (w *Webhook) dispatch(ctx context.Context, p *WebhookPayload) error {
	at := time.Now()
	if p.Timestamp > 0 {
		at = time.Unix(p.Timestamp, 0)
	}
	switch p.EventType {
	case WebhookMessage:
		return w.sink.MessageReceived(ctx, webhookIncoming(p, at))
	case WebhookEdited:
		return w.sink.MessageUpdated(ctx, conversation.UpdateEvent{
			Kind:           conversation.UpdateEdited,
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
			Text:           p.Text,
			Mentions:       p.Mentions,
			Timestamp:      at,
		})
	case WebhookReactionAdded, WebhookReactionGone, WebhookPinned, WebhookUnpinned:
		return w.sink.MessageUpdated(ctx, conversation.UpdateEvent{
			Kind:           webhookUpdateKinds[p.EventType],
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
			Emoji:          p.Emoji,
			Timestamp:      at,
		})
	case WebhookDeleted:
		ids := p.MessageIDs
		if len(ids) == 0 {
			ids = []string{p.MessageID}
		}
		return w.sink.MessagesDeleted(ctx, conversation.DeleteEvent{ConversationID: p.ConversationID, MessageIDs: ids})
	case WebhookMigrated:
		return w.sink.ConversationMigrated(ctx, conversation.MigrateEvent{
			FromConversationID: p.ConversationID,
			To: domain.ConversationRef{
				ID:   p.NewConversationID,
				Type: domain.ConversationType(p.ConversationType),
				Name: p.ConversationName,
			},
			MessageIDs: p.MessageIDs,
		})
	}
	return nil
}

var webhookUpdateKinds = map[string]conversation.UpdateKind{
	WebhookReactionAdded: conversation.UpdateReactionAdded,
	WebhookReactionGone:  conversation.UpdateReactionRemoved,
	WebhookPinned:        conversation.UpdatePinned,
	WebhookUnpinned:      conversation.UpdateUnpinned,
}

func webhookIncoming(p *WebhookPayload, at time.Time) domain.IncomingMessage {
	typ := domain.ConversationType(p.ConversationType)
	if typ == "" {
		typ = domain.ConversationPrivate
	}
	userID := p.UserID
	if userID == "" {
		userID = "webhook"
	}
	in := domain.IncomingMessage{
		MessageID:       p.MessageID,
		Conversation:    domain.ConversationRef{ID: p.ConversationID, Type: typ, Name: p.ConversationName},
		Sender:          &domain.UserRef{UserID: userID, Username: p.Username, FirstName: p.DisplayName, IsBot: p.IsBot},
		ReplyToID:       p.ReplyToID,
		Text:            p.Text,
		Timestamp:       at,
		IsDirectMessage: typ == domain.ConversationPrivate,
		Mentions:        p.Mentions,
	}
	for _, f := range p.Files {
		in.Files = append(in.Files, domain.RemoteFile{
			ID:          f.ID,
			Filename:    f.Filename,
			URL:         f.URL,
			ContentType: f.ContentType,
			Size:        f.Size,
		})
	}
	return in
}

// Handle forwards an outgoing request to the callback URL, signed like
// inbound events. The callback may answer with {"message_ids": [...]};
// sent messages get generated ids otherwise.
func (w *Webhook) Handle(ctx context.Context, req domain.Request) (*domain.RequestResult, error) {
	if w.callbackURL == "" {
		return nil, unsupported(w.Name(), req.EventType)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.callbackURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		httpReq.Header.Set(signatureHeader, signHMAC(body, w.secret))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook callback: HTTP %d", resp.StatusCode)
	}

	var answer struct {
		MessageIDs []string `json:"message_ids"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&answer)

	res := &domain.RequestResult{MessageIDs: answer.MessageIDs}
	if req.EventType != domain.RequestSendMessage {
		return res, nil
	}
	if len(res.MessageIDs) == 0 {
		res.MessageIDs = []string{uuid.NewString()}
	}
	for _, id := range res.MessageIDs {
		res.Sent = append(res.Sent, domain.IncomingMessage{
			MessageID:    id,
			Conversation: domain.ConversationRef{ID: req.Data.ConversationID},
			Sender:       &domain.UserRef{UserID: "webhook", IsBot: true},
			ReplyToID:    req.Data.ThreadID,
			Text:         req.Data.Text,
			Timestamp:    time.Now(),
		})
	}
	return res, nil
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}
