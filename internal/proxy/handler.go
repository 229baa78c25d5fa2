package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/httputil"
	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/store"
	proxyerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// countTokensMarker identifies metadata-only endpoints that never charge.
const countTokensMarker = "/count_tokens"

// userAgentFingerprintLen bounds the user-agent part of the conversation
// fingerprint.
const userAgentFingerprintLen = 50

// releaseTimeout bounds the store call when returning a concurrency slot.
// Release uses a detached context so a caller disconnect cannot strand it.
const releaseTimeout = 5 * time.Second

// Handler is the entry point for POST /v1/* dispatch.
type Handler struct {
	store    *store.Store
	selector *Selector
	relay    *Relay
	cfg      *config.Manager
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandler creates the dispatch entry handler.
func NewHandler(st *store.Store, selector *Selector, relay *Relay, cfg *config.Manager, logger *slog.Logger, tracer trace.Tracer) *Handler {
	return &Handler{
		store:    st,
		selector: selector,
		relay:    relay,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
	}
}

// ServeHTTP routes the /v1/* subtree: OPTIONS preflight, POST dispatch,
// everything else 405.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		h.dispatch(w, r)
	default:
		h.writeError(w, r, &proxyerrors.ProxyError{
			StatusCode: http.StatusMethodNotAllowed,
			Kind:       proxyerrors.KindInternal,
			Message:    "only POST is supported on this endpoint",
		})
	}
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithCorrelation(ctx, h.logger)
	route := r.URL.Path

	status := http.StatusOK
	defer func() {
		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}()

	// Auth.
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		status = h.writeError(w, r, proxyerrors.NewMissingAuthError())
		return
	}

	rec, err := h.store.GetKey(ctx, token)
	if err == store.ErrNotFound {
		status = h.writeError(w, r, proxyerrors.NewInvalidKeyError())
		return
	}
	if err != nil {
		logger.Error("key lookup failed", "error", err)
		status = h.writeError(w, r, proxyerrors.NewInternalError("store unavailable"))
		return
	}
	if rec.IsExpired(time.Now()) {
		status = h.writeError(w, r, proxyerrors.NewKeyExpiredError(rec.Expiry))
		return
	}

	// Parse and classify.
	raw, err := httputil.ReadLimitedBody(r.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		status = h.writeError(w, r, proxyerrors.NewInternalError("failed to read request body"))
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		status = h.writeError(w, r, &proxyerrors.ProxyError{
			StatusCode: http.StatusBadRequest,
			Kind:       proxyerrors.KindInternal,
			Message:    "request body is not valid JSON",
		})
		return
	}

	isCountTokens := strings.Contains(r.URL.Path, countTokensMarker)
	shouldCount := !isCountTokens && lastMessageIsCountableUserText(body)
	isStream, _ := body["stream"].(bool)

	// Quota pre-check.
	check, err := h.store.CheckUsage(ctx, token)
	if err != nil {
		logger.Error("usage pre-check failed", "error", err)
		status = h.writeError(w, r, proxyerrors.NewInternalError("store unavailable"))
		return
	}
	if !check.Allowed {
		if check.Reason == store.ReasonInvalidKey {
			status = h.writeError(w, r, proxyerrors.NewInvalidKeyError())
			return
		}
		metrics.UsageDenials.Inc()
		status = h.writeError(w, r, proxyerrors.NewDailyLimitError(check.Current, check.Limit))
		return
	}

	// Resolve the default source from settings with environment fallbacks.
	settings, err := h.store.GetSettings(ctx)
	if err != nil {
		logger.Error("settings read failed", "error", err)
		status = h.writeError(w, r, proxyerrors.NewInternalError("store unavailable"))
		return
	}
	cfg := h.cfg.Get()
	def := DefaultSource{
		APIURL:           settings.APIURL,
		APIKey:           settings.APIKey,
		ConcurrencyLimit: settings.ConcurrencyLimit,
	}
	if def.APIURL == "" {
		def.APIURL = cfg.Upstream.APIURL
	}
	if def.APIKey == "" {
		def.APIKey = cfg.Upstream.APIKey
	}

	// Waterfall.
	source, err := h.selector.Select(ctx, rec, def)
	if err != nil {
		if pe, ok := err.(*proxyerrors.ProxyError); ok {
			status = h.writeError(w, r, pe)
			return
		}
		logger.Error("source selection failed", "error", err)
		status = h.writeError(w, r, proxyerrors.NewInternalError("store unavailable"))
		return
	}

	// The slot is a scoped resource: exactly one release per acquisition,
	// on every termination path, guarded by sync.Once. A detached context
	// keeps the release reachable after caller disconnect.
	var releaseOnce sync.Once
	releaseSlot := func() {}
	if source.ConcurrencyOwnerID != "" {
		owner := source.ConcurrencyOwnerID
		releaseSlot = func() {
			releaseOnce.Do(func() {
				rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
				defer cancel()
				h.store.Release(rctx, owner)
			})
		}
	}

	// Transform.
	modelActual := source.ModelActual
	if modelActual == "" {
		modelActual = settings.ModelActual
	}
	if modelActual == "" {
		modelActual = cfg.Upstream.FallbackModel
	}
	if err := ValidateAndSwapModel(body, settings.ModelDisplay, modelActual); err != nil {
		releaseSlot()
		status = h.writeError(w, r, proxyerrors.AsProxyError(err))
		return
	}

	if !source.DisableSystemPromptInjection {
		prompt := settings.SystemPrompt
		if rec.SelectedModel != "" {
			if mc, ok := h.store.GetModelConfigs(ctx)[rec.SelectedModel]; ok && strings.TrimSpace(mc.SystemPrompt) != "" {
				prompt = mc.SystemPrompt
			}
		}
		format := settings.SystemPromptFormat
		if source.SystemPromptFormat != "" {
			format = source.SystemPromptFormat
		}
		InjectSystemPrompt(body, prompt, format, r.URL.Path)
	}

	transformed, err := json.Marshal(body)
	if err != nil {
		releaseSlot()
		status = h.writeError(w, r, proxyerrors.NewInternalError("failed to encode upstream body"))
		return
	}

	// Deferred usage commit: fires only after a successful upstream
	// interaction, never on 4xx/5xx or mid-stream failure.
	commitUsage := func() {}
	if shouldCount {
		conversationID := conversationFingerprint(r)
		commitUsage = func() {
			cctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if _, err := h.store.IncrementUsage(cctx, token, conversationID); err != nil {
				logger.Error("usage commit failed", "error", err)
			}
		}
	}

	rewrites := RewriteChain{
		NewRewriter(modelActual, settings.ModelDisplay),
		NewRewriter(cfg.Rewrite.BrandSource, cfg.Rewrite.BrandDisplay),
	}

	pathAndQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	spanCtx, span := observability.StartDispatchSpan(ctx, h.tracer, source.Kind, source.ID, isStream)
	defer span.End()

	pe := h.relay.Do(spanCtx, w, &Request{
		URL:         BuildUpstreamURL(source.APIURL, pathAndQuery),
		APIKey:      source.APIKey,
		Body:        transformed,
		Stream:      isStream,
		SourceKind:  source.Kind,
		Rewrites:    rewrites,
		ReleaseSlot: releaseSlot,
		CommitUsage: commitUsage,
	})
	if pe != nil {
		observability.RecordSpanError(span, pe)
		status = h.writeError(w, r, pe)
		return
	}
	if isStream {
		status = http.StatusOK
	}
}

// Announcements serves the active announcement list. Store failures degrade
// to an empty list; this endpoint never errors.
func (h *Handler) Announcements(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())

	active := make([]store.Announcement, 0)
	for _, a := range h.store.ListAnnouncements(r.Context()) {
		if a.IsActive {
			active = append(active, a)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"announcements": active})
}

// writeError renders the error envelope and returns the status written.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, pe *proxyerrors.ProxyError) int {
	envelope := map[string]any{
		"error":         pe.Kind,
		"message":       pe.Message,
		"correlationId": observability.CorrelationIDFromContext(r.Context()),
	}
	for k, v := range pe.Extra {
		envelope[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(envelope)
	return pe.HTTPStatusCode()
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID, anthropic-version, x-api-key")
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// conversationFingerprint identifies a conversation turn by client identity
// rather than message content: upstreams mutate message content between
// retries, which would defeat a content hash.
func conversationFingerprint(r *http.Request) string {
	ip := clientIP(r)
	ua := r.Header.Get("User-Agent")
	if len(ua) > userAgentFingerprintLen {
		ua = ua[:userAgentFingerprintLen]
	}
	return ip + ":" + ua
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// lastMessageIsCountableUserText reports whether the request's final message
// is caller-authored text. Tool results flowing back to the model are part
// of the same logical turn and never charge.
func lastMessageIsCountableUserText(body map[string]any) bool {
	messages, _ := body["messages"].([]any)
	if len(messages) == 0 {
		return false
	}
	last, ok := messages[len(messages)-1].(map[string]any)
	if !ok {
		return false
	}
	if role, _ := last["role"].(string); role != "user" {
		return false
	}

	switch content := last["content"].(type) {
	case string:
		return true
	case []any:
		for _, block := range content {
			if b, ok := block.(map[string]any); ok {
				if t, _ := b["type"].(string); t == "tool_result" {
					return false
				}
			}
		}
		return true
	case map[string]any:
		t, _ := content["type"].(string)
		return t != "tool_result"
	default:
		return false
	}
}
