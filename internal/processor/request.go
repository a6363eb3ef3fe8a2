package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/antra-tess/connectome-adapters/internal/bus"
	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
	"github.com/antra-tess/connectome-adapters/internal/metrics"
	"github.com/antra-tess/connectome-adapters/internal/ratelimit"
)

var errNoPlatform = errors.New("no platform attached")

var knownRequests = map[string]bool{
	domain.RequestSendMessage:    true,
	domain.RequestEditMessage:    true,
	domain.RequestDeleteMessage:  true,
	domain.RequestAddReaction:    true,
	domain.RequestRemoveReaction: true,
	domain.RequestPinMessage:     true,
	domain.RequestUnpinMessage:   true,
	domain.RequestFetchHistory:   true,
}

// Run executes client requests from the bus until ctx is cancelled or the
// bus is closed, replying to the issuing client.
func (p *Processor) Run(ctx context.Context, requests *bus.RequestBus) {
	p.logger.Info("request processor started", "platform", p.platformName, "concurrency", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	inbound := requests.Subscribe()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("request processor stopping")
			return
		case env, ok := <-inbound:
			if !ok {
				p.logger.Info("request bus closed, processor stopping")
				return
			}
			if !requests.Claim(env.Request.RequestID) {
				p.logger.Info("skipping cancelled request", "request_id", env.Request.RequestID)
				continue
			}
			sem <- struct{}{}
			go func(env bus.Envelope) {
				defer func() { <-sem }()
				res := p.HandleRequest(ctx, env.Request)
				requests.SendResult(env.ClientID, res)
			}(env)
		}
	}
}

// HandleRequest performs one client request on the attached platform and
// records its effect on conversation state.
func (p *Processor) HandleRequest(ctx context.Context, req domain.Request) domain.RequestResult {
	res, err := p.handle(ctx, req)
	if err != nil {
		p.logger.Warn("request failed",
			"request_id", req.RequestID,
			"event_type", req.EventType,
			"conversation_id", req.Data.ConversationID,
			"err", err,
		)
		metrics.RequestCounter(req.EventType, false).Inc()
		return domain.RequestResult{
			RequestID:         req.RequestID,
			InternalRequestID: req.InternalRequestID,
			EventType:         req.EventType,
			Error:             err.Error(),
		}
	}
	metrics.RequestCounter(req.EventType, true).Inc()
	res.RequestID = req.RequestID
	res.InternalRequestID = req.InternalRequestID
	res.EventType = req.EventType
	res.Success = true
	return *res
}

func (p *Processor) handle(ctx context.Context, req domain.Request) (*domain.RequestResult, error) {
	if !knownRequests[req.EventType] {
		return nil, fmt.Errorf("unknown request type %q", req.EventType)
	}
	if req.Data.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if err := p.validate(req); err != nil {
		return nil, err
	}

	if p.limiter != nil {
		kind := req.EventType
		if kind == domain.RequestSendMessage {
			kind = ratelimit.RequestMessage
		}
		if err := p.limiter.Wait(ctx, kind, req.Data.ConversationID); err != nil {
			return nil, err
		}
	}

	if req.EventType == domain.RequestFetchHistory {
		return p.fetchHistory(ctx, req)
	}
	if p.platform == nil {
		return nil, errNoPlatform
	}

	res, err := p.platform.Handle(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.EventType, err)
	}
	if res == nil {
		res = &domain.RequestResult{}
	}

	switch req.EventType {
	case domain.RequestSendMessage:
		p.recordSent(ctx, req, res.Sent)
	case domain.RequestEditMessage:
		if err := p.MessageUpdated(ctx, conversation.UpdateEvent{
			Kind:           conversation.UpdateEdited,
			ConversationID: req.Data.ConversationID,
			MessageID:      req.Data.MessageID,
			Text:           req.Data.Text,
			Timestamp:      p.now(),
		}); err != nil {
			return nil, err
		}
	case domain.RequestDeleteMessage:
		if err := p.MessagesDeleted(ctx, conversation.DeleteEvent{
			ConversationID: req.Data.ConversationID,
			MessageIDs:     []string{req.Data.MessageID},
		}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (p *Processor) validate(req domain.Request) error {
	d := req.Data
	switch req.EventType {
	case domain.RequestSendMessage:
		if d.Text == "" {
			return errors.New("text is required")
		}
	case domain.RequestEditMessage:
		if d.MessageID == "" || d.Text == "" {
			return errors.New("message_id and text are required")
		}
	case domain.RequestAddReaction, domain.RequestRemoveReaction:
		if d.MessageID == "" || d.Emoji == "" {
			return errors.New("message_id and emoji are required")
		}
	case domain.RequestDeleteMessage, domain.RequestPinMessage, domain.RequestUnpinMessage:
		if d.MessageID == "" {
			return errors.New("message_id is required")
		}
	}
	return nil
}

// recordSent stores messages the platform accepted as bot-originated.
func (p *Processor) recordSent(ctx context.Context, req domain.Request, sent []domain.IncomingMessage) {
	for _, in := range sent {
		if in.Conversation.ID == "" {
			in.Conversation.ID = req.Data.ConversationID
		}
		if in.ReplyToID == "" {
			in.ReplyToID = req.Data.ThreadID
		}
		if in.Sender == nil {
			in.Sender = &domain.UserRef{}
		} else {
			s := *in.Sender
			in.Sender = &s
		}
		in.Sender.IsBot = true
		if err := p.MessageReceived(ctx, in); err != nil {
			p.logger.Warn("sent message not recorded", "message_id", in.MessageID, "err", err)
		}
	}
}

// fetchHistory answers from the platform when it can replay history and
// from the cache otherwise.
func (p *Processor) fetchHistory(ctx context.Context, req domain.Request) (*domain.RequestResult, error) {
	convID := req.Data.ConversationID
	limit := req.Data.Limit
	if limit <= 0 {
		limit = p.historyLimit
	}
	if p.history == nil {
		return &domain.RequestResult{History: p.cachedHistory(convID, limit)}, nil
	}

	msgs, err := p.history.FetchHistory(ctx, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	for _, in := range msgs {
		if in.Conversation.ID == "" {
			in.Conversation.ID = convID
		}
		if _, err := p.manager.AddToConversation(ctx, conversation.AddEvent{
			Message:      in,
			Attachments:  p.resolveAttachments(ctx, in),
			HistoryFetch: true,
		}); err != nil {
			return nil, err
		}
	}
	p.refreshGauges()
	return &domain.RequestResult{History: p.cachedHistory(convID, limit)}, nil
}

func (p *Processor) cachedHistory(conversationID string, limit int) []domain.MessageEntry {
	entries := p.manager.ConversationCache(conversationID)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}
