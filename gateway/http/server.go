// Package http is the pointstream HTTP server: it mounts the streaming
// endpoints, the file catalog and the operational routes on one listener.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/azrael3199/gis-tool-dashboard/catalog"
	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/health"
	"github.com/azrael3199/gis-tool-dashboard/metric"
	"github.com/azrael3199/gis-tool-dashboard/output/httpstream"
	"github.com/azrael3199/gis-tool-dashboard/output/websocket"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// appendChunk bounds how many points one store Append receives during
// ingestion.
const appendChunk = 50000

// Config configures the server.
type Config struct {
	Addr            string
	MaxUploadSize   int64
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	Stream          httpstream.Config
	SystemName      string
	TLS             *tls.Config // nil serves plain HTTP
}

// Dependencies are the components the server routes to. Store, Catalog and
// Streamer are required.
type Dependencies struct {
	Store     pointstore.Store
	Catalog   catalog.Catalog
	Streamer  *stream.Streamer
	WebSocket *websocket.Server
	Registry  *metric.MetricsRegistry
	Health    *health.Monitor
}

// Server owns the HTTP listener.
type Server struct {
	config   Config
	deps     Dependencies
	metrics  *metric.Metrics
	logger   *slog.Logger
	handler  http.Handler
	running  atomic.Bool
	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	served   chan error
}

// NewServer validates the dependencies and builds the route table.
func NewServer(cfg Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Streamer == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"store, catalog and streamer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 256 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.SystemName == "" {
		cfg.SystemName = "pointstream"
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger.With("component", "http-server"),
	}
	if deps.Registry != nil {
		s.metrics = deps.Registry.CoreMetrics()
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.Handler) {
		mux.Handle(pattern, s.instrument(route, h))
	}

	handle("/visible-points", "/visible-points",
		httpstream.NewHandler(s.deps.Streamer, s.config.Stream, s.logger))
	if s.deps.WebSocket != nil {
		handle("/ws", "/ws", s.deps.WebSocket)
	}
	handle("GET /files", "/files", http.HandlerFunc(s.handleListFiles))
	handle("POST /files", "/files", http.HandlerFunc(s.handleUpload))
	handle("GET /files/{id}", "/files/{id}", http.HandlerFunc(s.handleGetFile))
	if s.deps.Registry != nil {
		mux.Handle("GET /metrics", s.deps.Registry.Handler())
	}
	if s.deps.Health != nil {
		handle("GET /healthz", "/healthz", s.deps.Health.Handler(s.config.SystemName))
	}

	return requestID(cors(s.config.AllowedOrigins, mux))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.running.Store(false)
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.config.Addr)
	}
	if s.config.TLS != nil {
		ln = tls.NewListener(ln, s.config.TLS)
	}

	if s.deps.WebSocket != nil {
		if err := s.deps.WebSocket.Start(ctx); err != nil {
			_ = ln.Close()
			s.running.Store(false)
			return errors.Wrap(err, "Server", "Start", "start websocket server")
		}
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	served := make(chan error, 1)

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.served = served
	s.mu.Unlock()

	go func() {
		err := srv.Serve(ln)
		if stderrors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "tls", s.config.TLS != nil)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Stop cancels every live stream, closes WebSocket clients and shuts the
// listener down, waiting up to the shutdown timeout for handlers to return.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	cancelled := s.deps.Streamer.Shutdown()
	s.logger.Info("Stopping HTTP server", "cancelled_sessions", cancelled)

	var errs []error
	if s.deps.WebSocket != nil {
		if err := s.deps.WebSocket.Stop(s.config.ShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	srv, served := s.srv, s.served
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, errors.WrapTransient(err, "Server", "Stop", "graceful shutdown"))
		_ = srv.Close()
	}
	if err := <-served; err != nil {
		errs = append(errs, errors.Wrap(err, "Server", "Stop", "serve"))
	}
	return stderrors.Join(errs...)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.deps.Catalog.List(r.Context())
	if err != nil {
		s.writeFailure(w, r, err, "list files")
		return
	}
	if files == nil {
		files = []catalog.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := catalog.ValidateID(id); err != nil {
		httpstream.WriteError(w, http.StatusBadRequest, "Invalid file id")
		return
	}
	info, err := s.deps.Catalog.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, "get file")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type uploadResponse struct {
	ID     string `json:"id"`
	Points int    `json:"points"`
}

// handleUpload ingests a body of concatenated point records as a new file.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		httpstream.WriteError(w, http.StatusBadRequest, errors.ErrMissingParameters.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			httpstream.WriteError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.config.MaxUploadSize))
			return
		}
		httpstream.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		httpstream.WriteError(w, http.StatusBadRequest, "empty upload")
		return
	}
	points, err := codec.DecodeAll(body)
	if err != nil {
		httpstream.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("upload must be a whole number of %d-byte records", codec.RecordSize))
		return
	}

	ctx := r.Context()
	info := catalog.FileInfo{
		ID:         uuid.NewString(),
		Filename:   filename,
		UploadDate: time.Now().UTC(),
	}
	if err := s.deps.Catalog.Register(ctx, info); err != nil {
		s.writeFailure(w, r, err, "register file")
		return
	}
	for off := 0; off < len(points); off += appendChunk {
		end := min(off+appendChunk, len(points))
		if err := s.deps.Store.Append(ctx, info.ID, points[off:end]); err != nil {
			s.discardUpload(info.ID)
			s.writeFailure(w, r, err, "append points")
			return
		}
	}
	if err := s.deps.Catalog.AddPoints(ctx, info.ID, int64(len(points))); err != nil {
		s.discardUpload(info.ID)
		s.writeFailure(w, r, err, "count points")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordIngest(len(points))
	}
	s.logger.Info("File ingested", "file_id", info.ID, "filename", filename,
		"points", len(points), "request_id", RequestID(ctx))
	writeJSON(w, http.StatusCreated, uploadResponse{ID: info.ID, Points: len(points)})
}

// discardUpload undoes a partial ingestion so a failed upload is never
// listed. It runs detached from the request, which may already be gone.
func (s *Server) discardUpload(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.deps.Store.Delete(ctx, id); err != nil {
		s.logger.Error("Failed to delete points of failed upload", "file_id", id, "error", err)
	}
	if err := s.deps.Catalog.Remove(ctx, id); err != nil {
		s.logger.Error("Failed to remove failed upload from catalog", "file_id", id, "error", err)
	}
}

// writeFailure maps a classified error to a status code and a message that
// is safe to show remotely; details go to the log only.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, action string) {
	status := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "Request failed",
		"action", action, "status", status, "error", err, "request_id", RequestID(r.Context()))

	msg := errors.PublicMessage(err)
	if status == http.StatusNotFound {
		msg = "File not found"
	}
	httpstream.WriteError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrCircuitOpen), errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
