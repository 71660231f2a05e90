package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/metric"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// Request types accepted from clients.
const (
	TypeGetVisiblePoints = "getVisiblePoints"
	TypeStop             = "stop"
)

// request is a client text message. An empty Type is a point query.
type request struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Format *int   `json:"format,omitempty"`
	stream.Query
}

type endMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type errorMessage struct {
	Error string `json:"error"`
	ID    string `json:"id,omitempty"`
}

func marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Server accepts WebSocket connections and streams point queries over them.
type Server struct {
	streamer *stream.Streamer
	config   Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	clients   map[*clientInfo]struct{}
	clientsMu sync.RWMutex

	running     atomic.Bool
	shutdown    chan struct{}
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup
}

// NewServer creates a WebSocket server. registry may be nil.
func NewServer(streamer *stream.Streamer, cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		streamer: streamer,
		config:   cfg,
		logger:   logger.With("component", "websocket"),
		metrics:  newMetrics(registry),
		clients:  make(map[*clientInfo]struct{}),
		shutdown: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

// Start begins the keepalive loop.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "WebSocketServer", "Start", "server already running")
	}
	s.running.Store(true)

	s.wg.Add(1)
	go s.maintainClients(ctx)
	return nil
}

// Stop closes every connection, which cancels their sessions, and waits for
// connection goroutines to exit.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		s.running.Store(false)
		close(s.shutdown)
	}
	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "WebSocketServer", "Stop", "wait for connections")
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and serves the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.errored("connection_upgrade")
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	info := newClientInfo(s, uuid.NewString(), conn)

	s.clientsMu.Lock()
	s.clients[info] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.connected(count)
	s.logger.Debug("Client connected", "client", info.id, "remote", r.RemoteAddr)

	s.wg.Add(2)
	go info.writePump()
	go s.handleClient(info)
}

// handleClient reads client messages until the connection fails.
func (s *Server) handleClient(info *clientInfo) {
	defer s.wg.Done()
	reason := "normal"
	defer func() { s.removeClient(info, reason) }()

	conn := info.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	conn.SetPongHandler(func(string) error {
		info.lastPing.Store(time.Now())
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "read_error"
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))

		if messageType != websocket.TextMessage {
			s.metrics.received("binary")
			info.sendJSON(errorMessage{Error: errors.ErrUnknownRequest.Error()})
			continue
		}
		if !s.handleMessage(info, data) {
			return
		}
	}
}

// handleMessage dispatches one text message. It returns false when the
// connection should be dropped.
func (s *Server) handleMessage(info *clientInfo, data []byte) bool {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.metrics.received("invalid")
		info.sendJSON(errorMessage{Error: "Invalid request"})
		return true
	}

	switch req.Type {
	case "", TypeGetVisiblePoints:
		s.metrics.received(TypeGetVisiblePoints)
		if err := info.limiter.Wait(info.ctx); err != nil {
			return false
		}
		s.startQuery(info, req)
	case TypeStop:
		s.metrics.received(TypeStop)
		s.streamer.Registry().CancelOwner(info.id, stream.ReasonStopped)
	default:
		s.metrics.received("unknown")
		info.sendJSON(errorMessage{Error: errors.ErrUnknownRequest.Error(), ID: req.ID})
	}
	return true
}

// startQuery opens the session on the read goroutine, so a newer query
// always supersedes an older one, then streams it on its own goroutine.
func (s *Server) startQuery(info *clientInfo, req request) {
	if req.Format != nil && *req.Format != codec.FormatVersion {
		info.sendJSON(errorMessage{Error: errors.ErrUnsupportedFormat.Error(), ID: req.ID})
		return
	}

	view := newSessionView(info, req.ID)
	sess, err := s.streamer.Open(info.ctx, info.id, req.Query, view)
	if err != nil {
		info.sendJSON(errorMessage{Error: errors.PublicMessage(err), ID: req.ID})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.streamer.Run(sess)
		if err != nil && !errors.IsDisconnect(err) {
			s.logger.Debug("Stream failed",
				"client", info.id,
				"session", sess.ID,
				"error", err)
			return
		}
		s.logger.Debug("Stream finished",
			"client", info.id,
			"session", sess.ID,
			"reason", string(sess.Reason()),
			"points", res.Points)
	}()
}

// removeClient safely removes a client connection with atomic cleanup
func (s *Server) removeClient(info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, info)
		count := len(s.clients)
		s.clientsMu.Unlock()

		// done first: a session watching both sees the peer, not a shutdown.
		close(info.done)
		info.cancel()
		info.wakeWaiters()
		s.streamer.Registry().CancelOwner(info.id, stream.ReasonPeerClosed)

		s.metrics.disconnected(reason, count)
		s.logger.Debug("Client disconnected",
			"client", info.id,
			"reason", reason,
			"connected_for", time.Since(info.connectedAt))

		_ = info.conn.Close()
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.RLock()
	snapshot := make([]*clientInfo, 0, len(s.clients))
	for info := range s.clients {
		snapshot = append(snapshot, info)
	}
	s.clientsMu.RUnlock()

	for _, info := range snapshot {
		deadline := time.Now().Add(time.Second)
		_ = info.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		s.removeClient(info, "shutdown")
	}
}

// maintainClients pings every client periodically.
func (s *Server) maintainClients(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	snapshot := make([]*clientInfo, 0, len(s.clients))
	for info := range s.clients {
		if !info.closed.Load() {
			snapshot = append(snapshot, info)
		}
	}
	s.clientsMu.RUnlock()

	for _, info := range snapshot {
		if info.closed.Load() {
			continue
		}
		if err := info.ping(); err != nil {
			s.metrics.errored("ping")
			s.removeClient(info, "ping_failed")
		}
	}
}

// clientsBuffered returns the bytes queued across all connections.
func (s *Server) clientsBuffered() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	total := 0
	for info := range s.clients {
		total += info.bufferedBytes()
	}
	return total
}
