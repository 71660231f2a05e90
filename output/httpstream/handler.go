package httpstream

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// OwnerHeader lets a client group requests so that a newer query supersedes
// the older stream of the same owner.
const OwnerHeader = "X-Stream-Owner"

// Config holds handler limits.
type Config struct {
	MaxRequestSize int64         `json:"max_request_size" yaml:"max_request_size"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns handler defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequestSize: 64 * 1024,
		WriteTimeout:   30 * time.Second,
	}
}

// Handler serves POST /visible-points.
type Handler struct {
	streamer *stream.Streamer
	config   Config
	logger   *slog.Logger
}

// NewHandler creates the chunked streaming handler.
func NewHandler(streamer *stream.Streamer, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	return &Handler{
		streamer: streamer,
		config:   config,
		logger:   logger.With("component", "http-stream"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxRequestSize+1))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > h.config.MaxRequestSize {
		WriteError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", h.config.MaxRequestSize))
		return
	}

	q, err := stream.ParseQuery(body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, errors.PublicMessage(err))
		return
	}

	t := NewTransport(w, r, h.config.WriteTimeout)
	res, err := h.streamer.Stream(r.Context(), r.Header.Get(OwnerHeader), q, t)
	if err == nil {
		h.logger.Debug("Stream finished",
			"file_id", q.FileID,
			"points", res.Points,
			"bytes", res.Bytes)
		return
	}

	switch {
	case errors.IsInvalid(err) && !t.Started():
		WriteError(w, http.StatusBadRequest, errors.PublicMessage(err))
	case !t.Started():
		// Superseded or shut down before the first frame.
		WriteError(w, http.StatusConflict, "Stream cancelled")
	case t.Truncated():
		// The status line is gone; dropping the connection is the only way
		// to tell the client the body is incomplete.
		h.logger.Debug("Aborting truncated stream",
			"file_id", q.FileID,
			"points", res.Points,
			"error", err)
		panic(http.ErrAbortHandler)
	}
}
