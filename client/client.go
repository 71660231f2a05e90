// Package client fetches visible points from a point streaming server over
// chunked HTTP or WebSocket and decodes them as they arrive.
//
// Both fetchers decode on a background worker and deliver batches to a
// callback, on the calling goroutine and in stream order. A
// stream that stops before its end marker (a dropped HTTP body, a socket
// closed before {"type":"end"}) is reported as ErrIncomplete, never as a
// short success.
package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"

	"github.com/azrael3199/gis-tool-dashboard/decoder"
	"github.com/azrael3199/gis-tool-dashboard/errors"
)

var (
	// ErrIncomplete means the stream ended without its end-of-stream marker.
	ErrIncomplete = stderrors.New("stream ended before end-of-stream marker")
	// ErrClosed is returned by a fetcher used after Close.
	ErrClosed = stderrors.New("fetcher closed")
)

// ServerError is an error reported by the server, either as an HTTP error
// response or a WebSocket {"error": ...} message.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
	}
	return "server error: " + e.Message
}

// Handler receives decoded batches. Returning an error aborts the fetch.
type Handler func(decoder.Batch) error

// Result summarises one fetch.
type Result struct {
	Points int64
	Bytes  int64
}

// decodeStream runs read on its own goroutine, decodes the chunks it sends
// on a decoder.Worker and calls handle on the caller's goroutine, so socket
// reads never wait on decoding or the handler. read returns nil only for a
// stream that reached its end marker. abort unblocks a read parked on the
// network once the fetch has failed.
func decodeStream(ctx context.Context, component string, opts []decoder.Option, handle Handler,
	read func(send func([]byte) bool) error, abort func()) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var received atomic.Int64
	chunks := make(chan []byte, 4)
	readDone := make(chan error, 1)
	go func() {
		defer close(chunks)
		readDone <- read(func(chunk []byte) bool {
			select {
			case chunks <- chunk:
				received.Add(int64(len(chunk)))
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	w := decoder.Start(ctx, chunks, opts...)
	var handleErr error
	for b := range w.Batches() {
		if handleErr != nil || handle == nil {
			continue
		}
		if err := handle(b); err != nil {
			handleErr = err
			cancel()
			abort()
		}
	}
	points, decodeErr := w.Wait()

	var readErr error
	select {
	case readErr = <-readDone:
	default:
		// Decoding stopped before the stream did.
		cancel()
		abort()
		readErr = <-readDone
	}

	res := Result{Points: points, Bytes: received.Load()}
	switch {
	case handleErr != nil:
		return res, handleErr
	case readErr != nil:
		return res, readErr
	case decodeErr != nil:
		return res, errors.Wrap(stderrors.Join(ErrIncomplete, decodeErr), component, "Fetch", "finish stream")
	}
	return res, nil
}
