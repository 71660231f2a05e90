package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/decoder"
	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// HTTPFetcher queries POST /visible-points.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	owner   string
	opts    []decoder.Option
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithOwner sets X-Stream-Owner so each new fetch supersedes the previous
// one still running on the server.
func WithOwner(owner string) HTTPOption {
	return func(f *HTTPFetcher) { f.owner = owner }
}

// WithDecoderOptions passes options to the batch decoder.
func WithDecoderOptions(opts ...decoder.Option) HTTPOption {
	return func(f *HTTPFetcher) { f.opts = opts }
}

// NewHTTPFetcher creates a fetcher for a server base URL such as
// http://localhost:8080.
func NewHTTPFetcher(baseURL string, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch streams the query's points into handle.
func (f *HTTPFetcher) Fetch(ctx context.Context, q stream.Query, handle Handler) (Result, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return Result{}, errors.WrapInvalid(err, "HTTPFetcher", "Fetch", "encode query")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/visible-points", bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.WrapInvalid(err, "HTTPFetcher", "Fetch", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if f.owner != "" {
		req.Header.Set("X-Stream-Owner", f.owner)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, errors.WrapTransient(err, "HTTPFetcher", "Fetch", "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, readServerError(resp)
	}
	if v := resp.Header.Get("X-Point-Format"); v != "" && v != strconv.Itoa(codec.FormatVersion) {
		return Result{}, errors.WrapInvalid(errors.ErrUnsupportedFormat, "HTTPFetcher", "Fetch", "format "+v)
	}

	read := func(send func([]byte) bool) error {
		for {
			// Each chunk is handed to the decoder goroutine, so it gets its own buffer.
			buf := make([]byte, 32*1024)
			n, err := resp.Body.Read(buf)
			if n > 0 && !send(buf[:n]) {
				return ctx.Err()
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrap(stderrors.Join(ErrIncomplete, err), "HTTPFetcher", "Fetch", "read body")
			}
		}
	}
	return decodeStream(ctx, "HTTPFetcher", f.opts, handle, read, cancel)
}

func readServerError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	return &ServerError{Status: resp.StatusCode, Message: body.Error}
}
