package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/decoder"
	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pkg/retry"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// WSFetcher runs queries over one WebSocket connection, one at a time.
type WSFetcher struct {
	conn *websocket.Conn
	opts []decoder.Option

	// mu serialises fetches; the protocol has one running query per socket.
	mu     sync.Mutex
	broken error
}

type wsQuery struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Format int    `json:"format"`
	stream.Query
}

type wsReply struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// DialWS connects to a ws:// or wss:// URL, retrying transient failures.
func DialWS(ctx context.Context, url string, cfg retry.Config, opts ...decoder.Option) (*WSFetcher, error) {
	return DialWSWith(ctx, websocket.DefaultDialer, url, cfg, opts...)
}

// DialWSWith is DialWS with a caller-supplied dialer, for custom TLS or
// proxies.
func DialWSWith(ctx context.Context, dialer *websocket.Dialer, url string, cfg retry.Config, opts ...decoder.Option) (*WSFetcher, error) {
	conn, err := retry.DoWithResult(ctx, cfg, func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
				return nil, retry.NonRetryable(err)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "WSFetcher", "DialWS", "connect")
	}
	return &WSFetcher{conn: conn, opts: opts}, nil
}

// Fetch sends the query and streams its points into handle until the server
// signals end. Cancelling ctx sends stop and closes the connection, since
// frames of the abandoned query could still be in flight.
func (f *WSFetcher) Fetch(ctx context.Context, q stream.Query, handle Handler) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken != nil {
		return Result{}, f.broken
	}

	id := uuid.NewString()
	msg, err := json.Marshal(wsQuery{Type: "getVisiblePoints", ID: id, Format: codec.FormatVersion, Query: q})
	if err != nil {
		return Result{}, errors.WrapInvalid(err, "WSFetcher", "Fetch", "encode query")
	}
	if err := f.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		f.broken = ErrClosed
		return Result{}, errors.WrapTransient(err, "WSFetcher", "Fetch", "send query")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = f.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	read := func(send func([]byte) bool) error {
		for {
			kind, data, err := f.conn.ReadMessage()
			if err != nil {
				f.broken = ErrClosed
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrap(stderrors.Join(ErrIncomplete, err), "WSFetcher", "Fetch", "read")
			}

			if kind == websocket.BinaryMessage {
				// ReadMessage allocates per message, so data can be handed over as is.
				if !send(data) {
					f.broken = ErrClosed
					return context.Canceled
				}
				continue
			}

			var reply wsReply
			if err := json.Unmarshal(data, &reply); err != nil {
				continue
			}
			if reply.ID != "" && reply.ID != id {
				continue
			}
			if reply.Error != "" {
				return &ServerError{Message: reply.Error}
			}
			if reply.Type == "end" {
				return nil
			}
		}
	}
	// Frames of an aborted query may still be in flight, so the socket
	// cannot be reused after abort.
	abort := func() { _ = f.conn.SetReadDeadline(time.Now()) }
	res, err := decodeStream(ctx, "WSFetcher", f.opts, handle, read, abort)
	if f.broken == nil {
		// abort can arm the deadline after the end marker was already read.
		_ = f.conn.SetReadDeadline(time.Time{})
	}
	return res, err
}

// Close closes the connection.
func (f *WSFetcher) Close() error {
	_ = f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return f.conn.Close()
}
