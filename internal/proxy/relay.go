package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/httputil"
	"github.com/blueberrycongee/llmgate/internal/metrics"
	proxyerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// Identity headers some upstreams gate endpoints on.
const (
	identityUserAgent     = "claude-code/1.0.42"
	identityClientVersion = "1.0.42"
)

// SSE wire fragments.
const (
	sseDataPrefix    = "data: "
	sseConnected     = ":connected\n\n"
	sseHeartbeat     = ":heartbeat\n\n"
	sseBufferSize    = 64 * 1024
	sseMaxLineLength = 4 * 1024 * 1024
)

// sseBufferPool provides reusable scanner buffers to reduce GC pressure.
var sseBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, sseBufferSize)
		return &buf
	},
}

// Relay owns the upstream HTTP call and the response stream back to the
// caller. A single Relay is shared by all requests; its client keeps a pool
// of persistent TLS connections per host.
type Relay struct {
	client            *http.Client
	logger            *slog.Logger
	requestTimeout    time.Duration
	heartbeatInterval time.Duration
}

// RelayConfig tunes the shared upstream client.
type RelayConfig struct {
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// NewRelay creates a Relay with a pooled transport.
func NewRelay(cfg RelayConfig) *Relay {
	transport := &http.Transport{
		MaxConnsPerHost:       50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &Relay{
		client:            &http.Client{Transport: transport},
		logger:            cfg.Logger,
		requestTimeout:    cfg.RequestTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// Request describes one upstream dispatch.
// ReleaseSlot and CommitUsage are scoped resources supplied by the entry
// handler: ReleaseSlot must be idempotent (it is invoked on every
// termination path), CommitUsage fires only after a successful upstream
// interaction.
type Request struct {
	URL         string
	APIKey      string
	Body        []byte
	Stream      bool
	SourceKind  string
	Rewrites    RewriteChain
	ReleaseSlot func()
	CommitUsage func()
}

// Do executes the upstream call and relays the response. It returns a
// ProxyError only when no response bytes have been written yet; mid-stream
// failures close the stream and return nil.
func (rl *Relay) Do(ctx context.Context, w http.ResponseWriter, req *Request) *proxyerrors.ProxyError {
	ctx, cancel := context.WithTimeout(ctx, rl.requestTimeout)
	defer cancel()

	start := time.Now()

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		req.ReleaseSlot()
		return proxyerrors.NewInternalError("failed to build upstream request")
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	upstreamReq.Header.Set("x-api-key", req.APIKey)
	upstreamReq.Header.Set("Accept", "text/event-stream")
	upstreamReq.Header.Set("Connection", "keep-alive")
	upstreamReq.Header.Set("User-Agent", identityUserAgent)
	upstreamReq.Header.Set("anthropic-client-version", identityClientVersion)

	resp, err := rl.client.Do(upstreamReq)
	if err != nil {
		req.ReleaseSlot()
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
			return proxyerrors.NewTimeoutError()
		}
		metrics.UpstreamErrors.WithLabelValues("connect").Inc()
		rl.logger.Error("upstream request failed", "url", req.URL, "error", err)
		return proxyerrors.NewInternalError("upstream request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
		req.ReleaseSlot()
		metrics.UpstreamErrors.WithLabelValues("status").Inc()
		return proxyerrors.NewUpstreamError(resp.StatusCode, string(body))
	}

	if req.Stream {
		rl.relayStream(ctx, w, resp, req, start)
	} else {
		if pe := rl.relayUnary(w, resp, req, start); pe != nil {
			return pe
		}
	}
	return nil
}

// relayUnary buffers the complete upstream body, rewrites model names in
// every string value, and forwards status, headers, and body.
func (rl *Relay) relayUnary(w http.ResponseWriter, resp *http.Response, req *Request, start time.Time) *proxyerrors.ProxyError {
	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		req.ReleaseSlot()
		metrics.UpstreamErrors.WithLabelValues("read").Inc()
		rl.logger.Error("upstream body read failed", "error", err)
		return proxyerrors.NewInternalError("failed to read upstream response")
	}

	var parsed any
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil {
		rewritten := req.Rewrites.Value(parsed)
		if encoded, encErr := json.Marshal(rewritten); encErr == nil {
			body = encoded
		}
	} else {
		body = []byte(req.Rewrites.String(string(body)))
	}

	req.ReleaseSlot()
	req.CommitUsage()
	metrics.UpstreamLatency.WithLabelValues(req.SourceKind, "false").Observe(time.Since(start).Seconds())

	headers := w.Header()
	for key, values := range resp.Header {
		switch http.CanonicalHeaderKey(key) {
		case "Content-Length", "Connection", "Transfer-Encoding":
			continue
		}
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	req.Rewrites.Headers(headers)

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		rl.logger.Debug("caller write failed", "error", err)
	}
	return nil
}

// relayStream forwards the SSE stream with per-line model rewriting and a
// periodic heartbeat that keeps intermediaries from closing the connection
// during long upstream silences.
func (rl *Relay) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, req *Request, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		req.ReleaseSlot()
		rl.logger.Error("response writer does not support flushing")
		return
	}

	headers := w.Header()
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var writeMu sync.Mutex
	write := func(p []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(p); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := write([]byte(sseConnected)); err != nil {
		req.ReleaseSlot()
		return
	}

	heartbeatDone := make(chan struct{})
	var heartbeatOnce sync.Once
	stopHeartbeat := func() { heartbeatOnce.Do(func() { close(heartbeatDone) }) }
	go func() {
		ticker := time.NewTicker(rl.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := write([]byte(sseHeartbeat)); err != nil {
					return
				}
				metrics.HeartbeatsSent.Inc()
			}
		}
	}()
	defer stopHeartbeat()

	var tally usageTally
	scanner := bufio.NewScanner(resp.Body)
	buf := sseBufferPool.Get().(*[]byte)
	defer sseBufferPool.Put(buf)
	scanner.Buffer(*buf, sseMaxLineLength)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			req.ReleaseSlot()
			return
		default:
		}

		line := rl.rewriteLine(scanner.Text(), req.Rewrites, &tally)
		if err := write([]byte(line + "\n")); err != nil {
			req.ReleaseSlot()
			return
		}
	}

	stopHeartbeat()
	if err := scanner.Err(); err != nil {
		// Mid-stream upstream failure: the caller sees a truncated SSE and
		// the usage commit is skipped.
		req.ReleaseSlot()
		metrics.UpstreamErrors.WithLabelValues("stream").Inc()
		rl.logger.Error("upstream stream error", "error", err)
		return
	}

	req.ReleaseSlot()
	req.CommitUsage()
	metrics.UpstreamLatency.WithLabelValues(req.SourceKind, "true").Observe(time.Since(start).Seconds())
	rl.logger.Info("stream completed",
		"input_tokens", tally.inputTokens,
		"output_tokens", tally.outputTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// rewriteLine transforms one SSE line. Parsable data payloads get a deep
// JSON rewrite plus token harvesting; everything else (including
// "data: [DONE]") gets the literal substitution.
func (rl *Relay) rewriteLine(line string, rewrites RewriteChain, tally *usageTally) string {
	if !strings.HasPrefix(line, sseDataPrefix) {
		return rewrites.String(line)
	}

	payload := line[len(sseDataPrefix):]
	var event map[string]any
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return rewrites.String(line)
	}

	tally.harvest(event)
	rewritten := rewrites.Value(event)
	encoded, err := json.Marshal(rewritten)
	if err != nil {
		return rewrites.String(line)
	}
	return sseDataPrefix + string(encoded)
}

// usageTally accumulates token counts harvested from SSE events, for
// logging only. Both Anthropic and OpenAI event shapes are recognized.
type usageTally struct {
	inputTokens  int64
	outputTokens int64
}

func (t *usageTally) harvest(event map[string]any) {
	switch event["type"] {
	case "message_start":
		if message, ok := event["message"].(map[string]any); ok {
			if usage, ok := message["usage"].(map[string]any); ok {
				t.inputTokens += toTokenCount(usage["input_tokens"])
			}
		}
		return
	case "message_delta":
		if usage, ok := event["usage"].(map[string]any); ok {
			t.outputTokens += toTokenCount(usage["output_tokens"])
		}
		return
	}

	if usage, ok := event["usage"].(map[string]any); ok {
		if v := toTokenCount(usage["prompt_tokens"]); v > 0 {
			t.inputTokens = v
		}
		if v := toTokenCount(usage["completion_tokens"]); v > 0 {
			t.outputTokens = v
		}
	}
}

func toTokenCount(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
