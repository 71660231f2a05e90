// Package main is a command-line client for a pointstream server. It lists
// files, uploads encoded point files, and fetches the points inside a box
// over HTTP or WebSocket, printing a JSON summary of what was decoded.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chewxy/math32"
	"github.com/gorilla/websocket"

	"github.com/azrael3199/gis-tool-dashboard/client"
	"github.com/azrael3199/gis-tool-dashboard/decoder"
	"github.com/azrael3199/gis-tool-dashboard/pkg/retry"
	"github.com/azrael3199/gis-tool-dashboard/pkg/tlsutil"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

const appName = "pointfetch"

type options struct {
	Server    string
	Transport string
	FileID    string
	Box       string
	Owner     string
	Timeout   time.Duration
	List      bool
	Upload    string
	Name      string
	CAFiles   string
	Insecure  bool
	Verbose   bool

	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Summary is printed after a fetch.
type Summary struct {
	FileID  string     `json:"fileId"`
	Points  int64      `json:"points"`
	Bytes   int64      `json:"bytes"`
	Batches int        `json:"batches"`
	Elapsed string     `json:"elapsed"`
	Min     [3]float32 `json:"min"`
	Max     [3]float32 `json:"max"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		}
		os.Exit(1)
	}
}

func parseOptions(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.Server, "server", envOr("POINTSTREAM_SERVER", "http://localhost:8080"), "Server base URL (env: POINTSTREAM_SERVER)")
	fs.StringVar(&o.Transport, "transport", "http", "Fetch transport: http or ws")
	fs.StringVar(&o.FileID, "file", "", "File id to query")
	fs.StringVar(&o.Box, "box", "", "Bounding box: minX,minY,minZ,maxX,maxY,maxZ")
	fs.StringVar(&o.Owner, "owner", "", "Stream owner key; a newer fetch with the same owner supersedes an older one")
	fs.DurationVar(&o.Timeout, "timeout", 5*time.Minute, "Overall timeout")
	fs.BoolVar(&o.List, "list", false, "List files and exit")
	fs.StringVar(&o.Upload, "upload", "", "Upload a file of encoded point records and exit")
	fs.StringVar(&o.Name, "name", "", "Filename to register for --upload (defaults to the file's base name)")
	fs.StringVar(&o.CAFiles, "ca", "", "Comma-separated PEM files of extra CAs to trust for https and wss")
	fs.BoolVar(&o.Insecure, "insecure", false, "Skip server certificate verification")
	fs.BoolVar(&o.Verbose, "v", false, "Log each batch")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case o.List, o.Upload != "":
	case o.FileID == "" || o.Box == "":
		return nil, fmt.Errorf("--file and --box are required")
	}
	if o.Transport != "http" && o.Transport != "ws" {
		return nil, fmt.Errorf("invalid transport %q", o.Transport)
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	if err := o.setupTransports(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	switch {
	case o.List:
		return listFiles(ctx, o, stdout)
	case o.Upload != "":
		return uploadFile(ctx, o, stdout)
	}

	box, err := parseBox(o.Box)
	if err != nil {
		return err
	}
	summary, err := fetch(ctx, o, stream.Query{FileID: o.FileID, BoundingBox: &box}, logger)
	if err != nil {
		return err
	}
	return writeJSON(stdout, summary)
}

// setupTransports builds the HTTP client and WebSocket dialer, with a TLS
// config only when extra trust or skipping verification was asked for.
func (o *options) setupTransports() error {
	o.httpClient = http.DefaultClient
	o.dialer = websocket.DefaultDialer
	if o.CAFiles == "" && !o.Insecure {
		return nil
	}

	var cas []string
	for _, f := range strings.Split(o.CAFiles, ",") {
		if f = strings.TrimSpace(f); f != "" {
			cas = append(cas, f)
		}
	}
	tlsConfig, err := tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{
		CAFiles:            cas,
		InsecureSkipVerify: o.Insecure,
	})
	if err != nil {
		return err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	o.httpClient = &http.Client{Transport: transport}
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsConfig
	o.dialer = &dialer
	return nil
}

func parseBox(s string) (pointstore.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return pointstore.BoundingBox{}, fmt.Errorf("box needs 6 comma-separated numbers, got %d", len(parts))
	}
	var v [6]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return pointstore.BoundingBox{}, fmt.Errorf("box value %q: %w", p, err)
		}
		v[i] = f
	}
	box := pointstore.Box(v[0], v[1], v[2], v[3], v[4], v[5])
	if err := box.Validate(); err != nil {
		return pointstore.BoundingBox{}, err
	}
	return box, nil
}

func fetch(ctx context.Context, o *options, q stream.Query, logger *slog.Logger) (Summary, error) {
	sum := Summary{
		FileID: q.FileID,
		Min:    [3]float32{math32.Inf(1), math32.Inf(1), math32.Inf(1)},
		Max:    [3]float32{math32.Inf(-1), math32.Inf(-1), math32.Inf(-1)},
	}
	handle := func(b decoder.Batch) error {
		sum.Batches++
		for i := 0; i < len(b.Positions); i += 3 {
			for axis := 0; axis < 3; axis++ {
				sum.Min[axis] = math32.Min(sum.Min[axis], b.Positions[i+axis])
				sum.Max[axis] = math32.Max(sum.Max[axis], b.Positions[i+axis])
			}
		}
		logger.Debug("Batch decoded", "points", b.Len(), "batches", sum.Batches)
		return nil
	}

	start := time.Now()
	var (
		res client.Result
		err error
	)
	if o.Transport == "ws" {
		var f *client.WSFetcher
		f, err = client.DialWSWith(ctx, o.dialer, wsURL(o.Server), retry.Quick())
		if err != nil {
			return sum, err
		}
		defer f.Close()
		res, err = f.Fetch(ctx, q, handle)
	} else {
		opts := []client.HTTPOption{client.WithHTTPClient(o.httpClient)}
		if o.Owner != "" {
			opts = append(opts, client.WithOwner(o.Owner))
		}
		res, err = client.NewHTTPFetcher(o.Server, opts...).Fetch(ctx, q, handle)
	}
	if err != nil {
		return sum, err
	}

	sum.Points = res.Points
	sum.Bytes = res.Bytes
	sum.Elapsed = time.Since(start).Round(time.Millisecond).String()
	if sum.Points == 0 {
		sum.Min, sum.Max = [3]float32{}, [3]float32{}
	}
	return sum, nil
}

func wsURL(server string) string {
	u := strings.TrimSuffix(server, "/") + "/ws"
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "ws://" + rest
	}
	return u
}

func listFiles(ctx context.Context, o *options, stdout io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(o.Server, "/")+"/files", nil)
	if err != nil {
		return err
	}
	return doJSON(o.httpClient, req, http.StatusOK, stdout)
}

func uploadFile(ctx context.Context, o *options, stdout io.Writer) error {
	data, err := os.ReadFile(o.Upload)
	if err != nil {
		return err
	}
	name := o.Name
	if name == "" {
		name = baseName(o.Upload)
	}
	target := strings.TrimSuffix(o.Server, "/") + "/files?filename=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return doJSON(o.httpClient, req, http.StatusCreated, stdout)
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// doJSON sends req and pretty-prints the JSON response.
func doJSON(hc *http.Client, req *http.Request, want int, stdout io.Writer) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		return &client.ServerError{Status: resp.StatusCode, Message: e.Error}
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return writeJSON(stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
