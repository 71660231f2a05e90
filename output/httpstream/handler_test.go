package httpstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

const scenarioA = `{"fileId":"f1","boundingBox":{"min":{"x":0,"y":0,"z":0},"max":{"x":10,"y":10,"z":10}}}`

// failAfterQuerier hands out cursors that fail once the first batch is read.
type failAfterQuerier struct {
	inner pointstore.Querier
}

func (f failAfterQuerier) Query(ctx context.Context, fileID string, box pointstore.BoundingBox) (pointstore.Cursor, error) {
	c, err := f.inner.Query(ctx, fileID, box)
	if err != nil {
		return nil, err
	}
	return &failingCursor{Cursor: c}, nil
}

type failingCursor struct {
	pointstore.Cursor
	calls int
}

func (c *failingCursor) Next(ctx context.Context) ([]pointstore.PointRecord, error) {
	c.calls++
	if c.calls > 1 {
		return nil, errors.ErrStorageUnavailable
	}
	return c.Cursor.Next(ctx)
}

func newTestServer(t *testing.T, q pointstore.Querier, cfg stream.SinkConfig) *httptest.Server {
	t.Helper()
	st := stream.NewStreamer(q, cfg, nil, nil)
	srv := httptest.NewServer(NewHandler(st, DefaultConfig(), nil))
	t.Cleanup(srv.Close)
	return srv
}

func seeded(t *testing.T, batchSize int, n int) *pointstore.MemoryStore {
	t.Helper()
	store := pointstore.NewMemoryStore(batchSize)
	require.NoError(t, store.Append(context.Background(), "f1", []pointstore.PointRecord{
		{X: 1, Y: 1, Z: 1, Color: [3]float32{1, 0, 0}},
		{X: 20, Y: 20, Z: 20, Color: [3]float32{0, 1, 0}},
	}))
	bulk := make([]pointstore.PointRecord, n)
	for i := range bulk {
		bulk[i] = pointstore.PointRecord{X: 5, Y: 5, Z: 5, Color: [3]float32{0, 0, 1}}
	}
	require.NoError(t, store.Append(context.Background(), "bulk", bulk))
	return store
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/visible-points", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, r io.Reader) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(r).Decode(&body))
	return body.Error
}

func TestHandler_ScenarioA(t *testing.T) {
	srv := newTestServer(t, seeded(t, 0, 0), stream.DefaultSinkConfig())

	resp := post(t, srv.URL, scenarioA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get("X-Point-Format"))
	assert.Contains(t, resp.TransferEncoding, "chunked")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Len(t, body, codec.RecordSize)
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f, 0, 0, 0x80, 0x3f, 0, 0, 0x80, 0x3f, 255, 0, 0}, body)
}

func TestHandler_EmptyResultIsZeroLengthBody(t *testing.T) {
	srv := newTestServer(t, seeded(t, 0, 0), stream.DefaultSinkConfig())

	resp := post(t, srv.URL, `{"fileId":"f1","boundingBox":{"min":{"x":100,"y":100,"z":100},"max":{"x":200,"y":200,"z":200}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestHandler_LargeResultArrivesWhole(t *testing.T) {
	const n = 20000
	srv := newTestServer(t, seeded(t, 1000, n), stream.DefaultSinkConfig())

	resp := post(t, srv.URL, `{"fileId":"bulk","boundingBox":{"min":{"x":0,"y":0,"z":0},"max":{"x":10,"y":10,"z":10}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	records, err := codec.DecodeAll(body)
	require.NoError(t, err)
	assert.Len(t, records, n)
}

func TestHandler_Rejections(t *testing.T) {
	srv := newTestServer(t, seeded(t, 0, 0), stream.DefaultSinkConfig())

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"missing box", `{"fileId":"f1"}`, http.StatusBadRequest, "Missing required parameters"},
		{"missing fileId", `{"boundingBox":{"min":{"x":0,"y":0,"z":0},"max":{"x":1,"y":1,"z":1}}}`, http.StatusBadRequest, "Missing required parameters"},
		{"inverted box", `{"fileId":"f1","boundingBox":{"min":{"x":5,"y":0,"z":0},"max":{"x":1,"y":1,"z":1}}}`, http.StatusBadRequest, "Invalid bounding box"},
		{"malformed json", `{"fileId":`, http.StatusBadRequest, "Invalid request"},
		{"too large", `{"fileId":"` + strings.Repeat("a", 70*1024) + `"}`, http.StatusRequestEntityTooLarge, "request body exceeds maximum size of 65536 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.message, decodeError(t, resp.Body))
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, seeded(t, 0, 0), stream.DefaultSinkConfig())

	resp, err := http.Get(srv.URL + "/visible-points")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandler_StoreDownBeforeFirstFrame(t *testing.T) {
	store := seeded(t, 0, 0)
	store.FailWith(errors.ErrStorageUnavailable)
	srv := newTestServer(t, store, stream.DefaultSinkConfig())

	resp := post(t, srv.URL, scenarioA)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Point store unavailable", decodeError(t, resp.Body))
}

func TestHandler_StoreFailureMidStreamTruncatesBody(t *testing.T) {
	store := seeded(t, 200, 5000)
	srv := newTestServer(t, failAfterQuerier{inner: store}, stream.SinkConfig{FlushThreshold: 1500})

	resp := post(t, srv.URL, `{"fileId":"bulk","boundingBox":{"min":{"x":0,"y":0,"z":0},"max":{"x":10,"y":10,"z":10}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.Zero(t, len(body)%codec.RecordSize)
	assert.Less(t, len(body), 5000*codec.RecordSize)
}

func TestTransport_RefusesWritesAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/visible-points", nil)
	tr := NewTransport(rec, req, 0)

	frame := bytes.Repeat([]byte{1}, codec.RecordSize)
	require.NoError(t, tr.Write(context.Background(), frame))
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Write(context.Background(), frame), errors.ErrSessionCancelled)
	assert.ErrorIs(t, tr.SignalEnd(context.Background()), errors.ErrSessionCancelled)

	assert.Equal(t, frame, rec.Body.Bytes())
	assert.True(t, rec.Flushed)
	assert.False(t, tr.OverCapacity())
	select {
	case <-tr.Drained():
	default:
		t.Fatal("drained channel should be closed")
	}
	assert.True(t, tr.Truncated())
}
