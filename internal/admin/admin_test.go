package admin

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/store"
)

const testConfigYAML = `
admin:
  jwt_secret: test-secret
  password: hunter2
  login_rpm: 3
logging:
  level: error
`

type fixture struct {
	mux   *http.ServeMux
	store *store.Store
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(rdb, logger)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))
	cfgManager, err := config.NewManager(path, logger)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(st, cfgManager, logger).Register(mux)

	token, err := IssueToken("test-secret", time.Hour)
	require.NoError(t, err)

	return &fixture{mux: mux, store: st, token: token}
}

func (f *fixture) do(method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/login", map[string]string{"password": "hunter2"}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	assert.NoError(t, VerifyToken("test-secret", resp["token"]))
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/admin/login", map[string]string{"password": "wrong"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t)

	// login_rpm 3 allows an initial burst of 3; the fourth attempt from the
	// same address is throttled.
	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodPost, "/admin/login", map[string]string{"password": "wrong"}, false)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := f.do(http.MethodPost, "/admin/login", map[string]string{"password": "wrong"}, false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRequireAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/admin/settings", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/settings", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/admin/settings", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSettings_RoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/admin/settings", store.GlobalSettings{
		APIURL:       "https://up.example.com",
		ModelDisplay: "display-model",
		ModelActual:  "actual-model",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/settings", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings store.GlobalSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, "https://up.example.com", settings.APIURL)
	assert.Equal(t, "display-model", settings.ModelDisplay)
}

func TestProfiles_CRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/profiles", store.Profile{
		Name:   "primary",
		APIURL: "https://p1.example.com",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	created.Name = "renamed"
	rec = f.do(http.MethodPut, "/admin/profiles/"+created.ID, created, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/profiles", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var profiles map[string]store.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profiles))
	assert.Equal(t, "renamed", profiles[created.ID].Name)

	rec = f.do(http.MethodDelete, "/admin/profiles/"+created.ID, nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodPut, "/admin/profiles/"+created.ID, created, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupProfiles_ReplaceSequence(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/admin/backup-profiles", []store.BackupProfile{
		{Profile: store.Profile{Name: "first", APIURL: "https://b1", IsActive: true}, ConcurrencyLimit: 5},
		{Profile: store.Profile{Name: "second", APIURL: "https://b2", IsActive: true}, ConcurrencyLimit: 2},
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/backup-profiles", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var backups []store.BackupProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &backups))
	require.Len(t, backups, 2)
	assert.Equal(t, "first", backups[0].Name)
	assert.NotEmpty(t, backups[0].ID)
	assert.Equal(t, "second", backups[1].Name)
}

func TestKeys_CreateAndUpdate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/keys", map[string]any{
		"expiry":      "2999-01-01",
		"daily_limit": 50,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Token  string          `json:"token"`
		Record store.KeyRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, strings.HasPrefix(created.Token, "sk-"))
	assert.Equal(t, 50, created.Record.DailyLimit)

	// Simulate consumption, then update limits: usage must survive.
	key, err := f.store.GetKey(context.Background(), created.Token)
	require.NoError(t, err)
	key.UsageToday.Count = 7
	require.NoError(t, f.store.SaveKey(context.Background(), created.Token, key))

	rec = f.do(http.MethodPut, "/admin/keys/"+created.Token, map[string]any{
		"daily_limit":    100,
		"selected_model": "fast",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated store.KeyRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, 100, updated.DailyLimit)
	assert.Equal(t, "fast", updated.SelectedModel)
	assert.Equal(t, 7, updated.UsageToday.Count)
}

func TestKeys_CreateRejectsNonPositiveLimit(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/admin/keys", map[string]any{"daily_limit": 0}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeys_GetAndDelete(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/admin/keys/sk-missing", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	today := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, f.store.SaveKey(context.Background(), "sk-live", &store.KeyRecord{
		Expiry:     "2999-01-01",
		DailyLimit: 10,
		UsageToday: store.UsageToday{Date: today},
	}))

	rec = f.do(http.MethodGet, "/admin/keys/sk-live", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/admin/keys/sk-live", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/admin/keys/sk-live", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnnouncements_PutStampsIDs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/admin/announcements", []store.Announcement{
		{Title: "maintenance window", Type: "warning", IsActive: true},
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var anns []store.Announcement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &anns))
	require.Len(t, anns, 1)
	assert.NotEmpty(t, anns[0].ID)
	assert.NotEmpty(t, anns[0].CreatedAt)
	assert.NotEmpty(t, anns[0].UpdatedAt)
}

func TestIssueAndVerifyToken(t *testing.T) {
	token, err := IssueToken("secret", time.Hour)
	require.NoError(t, err)
	assert.NoError(t, VerifyToken("secret", token))
	assert.Error(t, VerifyToken("other-secret", token))

	expired, err := IssueToken("secret", -time.Minute)
	require.NoError(t, err)
	assert.Error(t, VerifyToken("secret", expired))

	_, err = IssueToken("", time.Hour)
	assert.Error(t, err)
}
