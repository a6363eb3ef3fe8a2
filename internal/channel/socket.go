package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antra-tess/connectome-adapters/internal/bus"
	"github.com/antra-tess/connectome-adapters/internal/domain"
	"github.com/antra-tess/connectome-adapters/internal/metrics"
)

// Frames the socket server sends besides normalized events.
const (
	FrameRequestQueued  = "request_queued"
	FrameRequestSuccess = "request_success"
	FrameRequestFailed  = "request_failed"
	FrameCancelRequest  = "cancel_request"

	writeTimeout = 10 * time.Second
)

// SocketConfig configures the socket server.
type SocketConfig struct {
	Host           string
	Port           int
	Path           string   // WebSocket endpoint path (default: /ws)
	AllowedOrigins []string // empty or "*" allows any origin
	MetricsPath    string   // serves the Prometheus collector when set
	Events         *bus.EventBus
	Requests       *bus.RequestBus
	Logger         *slog.Logger
}

// SocketServer streams normalized events to connected clients and queues
// the requests they send for the platform adapter.
type SocketServer struct {
	addr     string
	path     string
	events   *bus.EventBus
	requests *bus.RequestBus
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.RWMutex
	clients map[string]*socketClient
}

type socketClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// SocketFrame is the JSON envelope exchanged with clients. Events use the
// same shape as bus.Event.
type SocketFrame struct {
	EventType         string          `json:"event_type"`
	RequestID         string          `json:"request_id,omitempty"`
	InternalRequestID string          `json:"internal_request_id,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
}

func NewSocketServer(cfg SocketConfig) *SocketServer {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &SocketServer{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:     cfg.Path,
		events:   cfg.Events,
		requests: cfg.Requests,
		logger:   cfg.Logger,
		mux:      http.NewServeMux(),
		clients:  make(map[string]*socketClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	s.mux.HandleFunc(s.path, s.handleUpgrade)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": s.ClientCount()})
	})
	if cfg.MetricsPath != "" {
		s.mux.Handle(cfg.MetricsPath, metrics.Collector.Handler())
	}
	if s.events != nil {
		s.events.On("*", s.broadcast)
	}
	return s
}

// Handle mounts an extra handler, such as the webhook adapter, on the
// server's mux. It must be called before Start.
func (s *SocketServer) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's mux.
func (s *SocketServer) Handler() http.Handler { return s.mux }

func (s *SocketServer) Addr() string { return s.addr }

// Start serves until ctx is done, then closes clients and shuts down.
func (s *SocketServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("socket server starting", "addr", s.addr, "path", s.path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("socket server: %w", err)
	}
}

func (s *SocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func (s *SocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &socketClient{id: uuid.NewString(), conn: conn}
	if s.requests != nil {
		s.requests.OnResult(client.id, func(res domain.RequestResult) {
			s.sendResult(client, res)
		})
	}

	// Replay before registering so live events follow history in order.
	if !since.IsZero() && s.events != nil {
		for _, ev := range s.events.Replay("*", since) {
			client.send(ev)
		}
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	metrics.SocketClients.Inc()
	s.logger.Info("socket client connected", "client_id", client.id, "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		metrics.SocketClients.Dec()
		if s.requests != nil {
			s.requests.OffResult(client.id)
		}
		conn.Close()
		s.logger.Info("socket client disconnected", "client_id", client.id)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "client_id", client.id, "err", err)
			}
			return
		}

		var frame SocketFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("invalid socket frame", "client_id", client.id, "err", err)
			client.send(SocketFrame{EventType: FrameRequestFailed, Data: mustJSON(map[string]string{"error": "invalid JSON"})})
			continue
		}
		if frame.EventType == FrameCancelRequest {
			s.cancel(client, frame)
			continue
		}
		s.enqueue(client, frame)
	}
}

func (s *SocketServer) enqueue(client *socketClient, frame SocketFrame) {
	req := domain.Request{
		RequestID:         frame.RequestID,
		InternalRequestID: frame.InternalRequestID,
		EventType:         frame.EventType,
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req.Data); err != nil {
			s.sendResult(client, domain.RequestResult{
				RequestID:         req.RequestID,
				InternalRequestID: req.InternalRequestID,
				EventType:         req.EventType,
				Error:             "invalid data: " + err.Error(),
			})
			return
		}
	}
	if s.requests == nil || !s.requests.Publish(bus.Envelope{ClientID: client.id, Request: req}) {
		s.sendResult(client, domain.RequestResult{
			RequestID:         req.RequestID,
			InternalRequestID: req.InternalRequestID,
			EventType:         req.EventType,
			Error:             "request queue unavailable",
		})
		return
	}
	s.logger.Debug("request queued", "client_id", client.id, "request_id", req.RequestID, "event_type", req.EventType)
	client.send(SocketFrame{
		EventType: FrameRequestQueued,
		Data:      mustJSON(requestRef{RequestID: req.RequestID, InternalRequestID: req.InternalRequestID}),
	})
}

// cancel withdraws a queued request. The request id may be given on the
// frame or inside its data.
func (s *SocketServer) cancel(client *socketClient, frame SocketFrame) {
	ref := requestRef{RequestID: frame.RequestID, InternalRequestID: frame.InternalRequestID}
	if ref.RequestID == "" && len(frame.Data) > 0 {
		_ = json.Unmarshal(frame.Data, &ref)
	}
	if ref.RequestID == "" {
		return
	}
	status := FrameRequestFailed
	if s.requests != nil && s.requests.Cancel(ref.RequestID) {
		status = FrameRequestSuccess
		s.logger.Info("request cancelled", "client_id", client.id, "request_id", ref.RequestID)
	} else {
		s.logger.Warn("request not cancellable", "client_id", client.id, "request_id", ref.RequestID)
	}
	client.send(SocketFrame{EventType: status, Data: mustJSON(ref)})
}

type requestRef struct {
	RequestID         string `json:"request_id"`
	InternalRequestID string `json:"internal_request_id,omitempty"`
}

func (s *SocketServer) sendResult(client *socketClient, res domain.RequestResult) {
	status := FrameRequestFailed
	if res.Success {
		status = FrameRequestSuccess
	}
	client.send(SocketFrame{EventType: status, Data: mustJSON(res)})
}

func (s *SocketServer) broadcast(ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event not encodable", "event_type", ev.Type, "err", err)
		return
	}

	s.mu.RLock()
	clients := make([]*socketClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			s.logger.Debug("websocket write failed", "client_id", c.id, "err", err)
		}
	}
}

func (c *socketClient) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.write(data)
}

func (c *socketClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *SocketServer) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, client := range s.clients {
		client.conn.Close()
		delete(s.clients, id)
	}
}

// parseSince accepts RFC 3339 or unix milliseconds.
func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC 3339 or unix milliseconds")
	}
	return t, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
