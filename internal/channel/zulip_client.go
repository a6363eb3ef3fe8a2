package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const zulipMaxRetries = 3

// errZulipBadQueue means the event queue expired and must be registered again.
var errZulipBadQueue = errors.New("zulip event queue expired")

// zulipClient is a minimal client for the Zulip REST API.
type zulipClient struct {
	site   string
	email  string
	apiKey string
	http   *http.Client
	logger *slog.Logger
}

func newZulipClient(site, email, apiKey string, logger *slog.Logger) *zulipClient {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &zulipClient{
		site:   strings.TrimRight(site, "/"),
		email:  email,
		apiKey: apiKey,
		// Long-polling /events holds the connection for up to 90s.
		http:   &http.Client{Timeout: 120 * time.Second, Transport: transport},
		logger: logger,
	}
}

type zulipResponse struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code"`
}

type zulipRecipient struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

type zulipReaction struct {
	EmojiName string `json:"emoji_name"`
	UserID    int64  `json:"user_id"`
}

// zulipMessage is a message as returned by /messages and message events.
// DisplayRecipient is the stream name for stream messages and the list of
// participants for direct messages.
type zulipMessage struct {
	ID               int64           `json:"id"`
	SenderID         int64           `json:"sender_id"`
	SenderEmail      string          `json:"sender_email"`
	SenderFullName   string          `json:"sender_full_name"`
	Type             string          `json:"type"`
	StreamID         int64           `json:"stream_id"`
	Subject          string          `json:"subject"`
	DisplayRecipient json.RawMessage `json:"display_recipient"`
	Content          string          `json:"content"`
	Timestamp        int64           `json:"timestamp"`
	Reactions        []zulipReaction `json:"reactions"`
}

func (m *zulipMessage) streamName() string {
	var name string
	if err := json.Unmarshal(m.DisplayRecipient, &name); err != nil {
		return ""
	}
	return name
}

func (m *zulipMessage) recipients() []zulipRecipient {
	var out []zulipRecipient
	if err := json.Unmarshal(m.DisplayRecipient, &out); err != nil {
		return nil
	}
	return out
}

type zulipEvent struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`

	// message
	Message *zulipMessage `json:"message,omitempty"`

	// update_message, delete_message, reaction
	MessageID     int64   `json:"message_id"`
	MessageIDs    []int64 `json:"message_ids"`
	StreamID      int64   `json:"stream_id"`
	NewStreamID   int64   `json:"new_stream_id"`
	OrigSubject   string  `json:"orig_subject"`
	Subject       string  `json:"subject"`
	Topic         string  `json:"topic"`
	Content       *string `json:"content"`
	EditTimestamp int64   `json:"edit_timestamp"`
	MessageType   string  `json:"message_type"`

	// reaction
	Op        string `json:"op"`
	EmojiName string `json:"emoji_name"`
	UserID    int64  `json:"user_id"`
}

type zulipQueue struct {
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

func (c *zulipClient) register(ctx context.Context) (*zulipQueue, error) {
	form := url.Values{}
	form.Set("event_types", `["message","update_message","delete_message","reaction"]`)
	form.Set("apply_markdown", "false")
	var out struct {
		zulipResponse
		zulipQueue
	}
	if err := c.call(ctx, http.MethodPost, "/register", form, &out); err != nil {
		return nil, fmt.Errorf("zulip register: %w", err)
	}
	return &out.zulipQueue, nil
}

func (c *zulipClient) events(ctx context.Context, q *zulipQueue) ([]zulipEvent, error) {
	params := url.Values{}
	params.Set("queue_id", q.QueueID)
	params.Set("last_event_id", strconv.FormatInt(q.LastEventID, 10))
	var out struct {
		zulipResponse
		Events []zulipEvent `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "/events", params, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *zulipClient) messages(ctx context.Context, narrow any, limit int) ([]zulipMessage, error) {
	encoded, err := json.Marshal(narrow)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("anchor", "newest")
	params.Set("num_before", strconv.Itoa(limit))
	params.Set("num_after", "0")
	params.Set("apply_markdown", "false")
	params.Set("narrow", string(encoded))
	var out struct {
		zulipResponse
		Messages []zulipMessage `json:"messages"`
	}
	if err := c.call(ctx, http.MethodGet, "/messages", params, &out); err != nil {
		return nil, fmt.Errorf("zulip messages: %w", err)
	}
	return out.Messages, nil
}

func (c *zulipClient) sendMessage(ctx context.Context, form url.Values) (int64, error) {
	var out struct {
		zulipResponse
		ID int64 `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/messages", form, &out); err != nil {
		return 0, fmt.Errorf("zulip send: %w", err)
	}
	return out.ID, nil
}

// call performs an API request with retry on network errors, 5xx and 429,
// and decodes the JSON body into out.
func (c *zulipClient) call(ctx context.Context, method, path string, params url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt <= zulipMaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * time.Second
			backoff := base + time.Duration(rand.Int64N(int64(base/2+1)))
			c.logger.Warn("retrying zulip request", "path", path, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := c.newRequest(ctx, method, path, params)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("zulip %s %s: HTTP %d", method, path, resp.StatusCode)
			continue
		}

		var status zulipResponse
		if err := json.Unmarshal(body, &status); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if status.Result != "success" {
			if status.Code == "BAD_EVENT_QUEUE_ID" {
				return errZulipBadQueue
			}
			return fmt.Errorf("zulip %s %s: %s", method, path, status.Msg)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("zulip %s %s failed after %d retries: %w", method, path, zulipMaxRetries, lastErr)
}

func (c *zulipClient) newRequest(ctx context.Context, method, path string, params url.Values) (*http.Request, error) {
	endpoint := c.site + "/api/v1" + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(c.email, c.apiKey)
	return req, nil
}
