package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/store"
)

// Handler serves the admin management API.
type Handler struct {
	store  *store.Store
	cfg    *config.Manager
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHandler creates the admin API handler.
func NewHandler(st *store.Store, cfg *config.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register mounts the admin routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/login", h.login)

	mux.Handle("GET /admin/settings", h.requireAuth(h.getSettings))
	mux.Handle("PUT /admin/settings", h.requireAuth(h.putSettings))

	mux.Handle("GET /admin/profiles", h.requireAuth(h.listProfiles))
	mux.Handle("POST /admin/profiles", h.requireAuth(h.createProfile))
	mux.Handle("PUT /admin/profiles/{id}", h.requireAuth(h.updateProfile))
	mux.Handle("DELETE /admin/profiles/{id}", h.requireAuth(h.deleteProfile))

	mux.Handle("GET /admin/backup-profiles", h.requireAuth(h.listBackups))
	mux.Handle("PUT /admin/backup-profiles", h.requireAuth(h.putBackups))

	mux.Handle("POST /admin/keys", h.requireAuth(h.createKey))
	mux.Handle("GET /admin/keys/{token}", h.requireAuth(h.getKey))
	mux.Handle("PUT /admin/keys/{token}", h.requireAuth(h.updateKey))
	mux.Handle("DELETE /admin/keys/{token}", h.requireAuth(h.deleteKey))

	mux.Handle("GET /admin/announcements", h.requireAuth(h.listAnnouncements))
	mux.Handle("PUT /admin/announcements", h.requireAuth(h.putAnnouncements))
}

// login exchanges the shared admin password for a session token. Attempts
// are rate-limited per client IP.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Get()

	if !h.allowLogin(clientHost(r), cfg.Admin.LoginRPM) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many login attempts"})
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if cfg.Admin.Password == "" ||
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(cfg.Admin.Password)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	token, err := IssueToken(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	if err != nil {
		h.logger.Error("token issue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token issue failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) allowLogin(ip string, rpm int) bool {
	if rpm <= 0 {
		rpm = 10
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	limiter, ok := h.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		h.limiters[ip] = limiter
	}
	return limiter.Allow()
}

// requireAuth verifies the admin session token.
func (h *Handler) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing admin token"})
			return
		}
		if err := VerifyToken(h.cfg.Get().Admin.JWTSecret, header[len(prefix):]); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			return
		}
		next(w, r)
	})
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.GlobalSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid settings payload"})
		return
	}
	if err := h.store.SaveSettings(r.Context(), &settings); err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListProfiles(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request) {
	var profile store.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid profile payload"})
		return
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}

	profiles, err := h.store.ListProfiles(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	profiles[profile.ID] = profile
	if err := h.store.SaveProfiles(r.Context(), profiles); err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var profile store.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid profile payload"})
		return
	}
	profile.ID = id

	profiles, err := h.store.ListProfiles(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	if _, ok := profiles[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return
	}
	profiles[id] = profile
	if err := h.store.SaveProfiles(r.Context(), profiles); err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	profiles, err := h.store.ListProfiles(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	if _, ok := profiles[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return
	}
	delete(profiles, id)
	if err := h.store.SaveProfiles(r.Context(), profiles); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.store.ListBackupProfiles(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

// putBackups replaces the whole ordered sequence; the stored order is the
// waterfall fallback priority.
func (h *Handler) putBackups(w http.ResponseWriter, r *http.Request) {
	var backups []store.BackupProfile
	if err := json.NewDecoder(r.Body).Decode(&backups); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid backup profiles payload"})
		return
	}
	for i := range backups {
		if backups[i].ID == "" {
			backups[i].ID = uuid.NewString()
		}
	}
	if err := h.store.SaveBackupProfiles(r.Context(), backups); err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expiry     string `json:"expiry"`
		DailyLimit int    `json:"daily_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key payload"})
		return
	}
	if req.DailyLimit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "daily_limit must be positive"})
		return
	}

	token := newKeyToken()
	rec := &store.KeyRecord{
		Expiry:     req.Expiry,
		DailyLimit: req.DailyLimit,
		UsageToday: store.UsageToday{Date: time.Now().UTC().Format("2006-01-02")},
	}
	if err := h.store.SaveKey(r.Context(), token, rec); err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "record": rec})
}

func (h *Handler) getKey(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetKey(r.Context(), r.PathValue("token"))
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// updateKey rewrites limits and selections but never touches usage_today;
// that field belongs to the dispatch engine.
func (h *Handler) updateKey(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	rec, err := h.store.GetKey(r.Context(), token)
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	if err != nil {
		h.storeError(w, err)
		return
	}

	var req struct {
		Expiry               *string `json:"expiry"`
		DailyLimit           *int    `json:"daily_limit"`
		SelectedModel        *string `json:"selected_model"`
		SelectedAPIProfileID *string `json:"selected_api_profile_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key payload"})
		return
	}
	if req.Expiry != nil {
		rec.Expiry = *req.Expiry
	}
	if req.DailyLimit != nil && *req.DailyLimit > 0 {
		rec.DailyLimit = *req.DailyLimit
	}
	if req.SelectedModel != nil {
		rec.SelectedModel = *req.SelectedModel
	}
	if req.SelectedAPIProfileID != nil {
		rec.SelectedAPIProfileID = *req.SelectedAPIProfileID
	}

	if err := h.store.SaveKey(r.Context(), token, rec); err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteKey(r.Context(), r.PathValue("token")); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAnnouncements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.ListAnnouncements(r.Context()))
}

func (h *Handler) putAnnouncements(w http.ResponseWriter, r *http.Request) {
	var anns []store.Announcement
	if err := json.NewDecoder(r.Body).Decode(&anns); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid announcements payload"})
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range anns {
		if anns[i].ID == "" {
			anns[i].ID = uuid.NewString()
			anns[i].CreatedAt = now
		}
		anns[i].UpdatedAt = now
	}
	if err := h.store.SaveAnnouncements(r.Context(), anns); err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anns)
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	h.logger.Error("admin store operation failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
}

// newKeyToken generates a caller-facing API key token.
func newKeyToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "sk-" + uuid.NewString()
	}
	return "sk-" + hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
