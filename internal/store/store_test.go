package store

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger), mr
}

func fixedTime(t *testing.T, s *Store, value string) {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	s.now = func() time.Time { return ts }
}

func TestGetKey_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetKey(context.Background(), "sk-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetKey_DayRoll(t *testing.T) {
	s, mr := newTestStore(t)
	fixedTime(t, s, "2026-08-26T10:00:00Z")

	mr.Set("sk-test", `{"expiry":"2099-01-01","daily_limit":5,"usage_today":{"date":"2026-08-25","count":4}}`)

	rec, err := s.GetKey(context.Background(), "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-26", rec.UsageToday.Date)
	assert.Equal(t, 0, rec.UsageToday.Count)

	// The rolled window must be persisted, not just returned.
	rec2, err := s.GetKey(context.Background(), "sk-test")
	require.NoError(t, err)
	assert.Equal(t, UsageToday{Date: "2026-08-26", Count: 0}, rec2.UsageToday)
}

func TestGetKey_KeepsCurrentDay(t *testing.T) {
	s, mr := newTestStore(t)
	fixedTime(t, s, "2026-08-26T10:00:00Z")

	mr.Set("sk-test", `{"expiry":"2099-01-01","daily_limit":5,"usage_today":{"date":"2026-08-26","count":3}}`)

	rec, err := s.GetKey(context.Background(), "sk-test")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.UsageToday.Count)
}

func TestGetKey_LegacyMigration(t *testing.T) {
	tests := []struct {
		name      string
		stored    string
		wantLimit int
	}{
		{
			name:      "no numeric hint gets the default limit",
			stored:    `{"expiry":"2099-01-01","activated":true}`,
			wantLimit: 100,
		},
		{
			name:      "ip cap hint scales by fifty",
			stored:    `{"expiry":"2099-01-01","activated":true,"max_ips":3}`,
			wantLimit: 150,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mr := newTestStore(t)
			fixedTime(t, s, "2026-08-26T10:00:00Z")
			mr.Set("sk-legacy", tt.stored)

			rec, err := s.GetKey(context.Background(), "sk-legacy")
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, rec.DailyLimit)
			assert.Equal(t, "2099-01-01", rec.Expiry)

			// Migration is one-shot: the stored record now carries the
			// current schema.
			raw, err := mr.Get("sk-legacy")
			require.NoError(t, err)
			assert.Contains(t, raw, `"daily_limit"`)
		})
	}
}

func TestGetKey_ReservedKeysNeverAuthenticate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSettings(ctx, &GlobalSettings{
		APIURL: "https://real-upstream.example.com",
		APIKey: "sk-real",
	}))
	require.NoError(t, s.SaveProfiles(ctx, map[string]Profile{
		"p1": {ID: "p1", APIURL: "https://p1.example.com", IsActive: true},
	}))
	require.NoError(t, s.SaveBackupProfiles(ctx, []BackupProfile{
		{Profile: Profile{ID: "b1", IsActive: true}, ConcurrencyLimit: 2},
	}))
	require.NoError(t, s.SaveAnnouncements(ctx, []Announcement{
		{ID: "a1", Title: "notice", IsActive: true},
	}))

	// Reserved configuration keys share the keyspace with caller tokens.
	// Presenting one as a bearer token must fail key lookup outright.
	for _, token := range []string{settingsKey, profilesKey, backupsKey, announcementsKey} {
		_, err := s.GetKey(ctx, token)
		assert.ErrorIs(t, err, ErrNotFound, "token %q", token)
	}

	// And the lookup must not have written a KeyRecord over the entity.
	s.InvalidateConfigCaches()
	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://real-upstream.example.com", settings.APIURL)
	assert.Equal(t, "sk-real", settings.APIKey)

	profiles, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Contains(t, profiles, "p1")

	backups, err := s.ListBackupProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "b1", backups[0].ID)

	require.Len(t, s.ListAnnouncements(ctx), 1)
}

func TestGetKey_UnmarkedObjectIsNotAKey(t *testing.T) {
	s, mr := newTestStore(t)

	// An object with neither the current schema nor a legacy marker must
	// not be granted a synthesized quota.
	mr.Set("sk-odd", `{"expiry":"2099-01-01","note":"not a key schema"}`)

	_, err := s.GetKey(context.Background(), "sk-odd")
	assert.ErrorIs(t, err, ErrNotFound)

	raw, getErr := mr.Get("sk-odd")
	require.NoError(t, getErr)
	assert.NotContains(t, raw, `"daily_limit"`)
}

func TestKeyRecord_IsExpired(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2026-08-26T10:00:00Z")

	tests := []struct {
		expiry string
		want   bool
	}{
		{"2026-08-27", false},
		{"2026-08-26", false}, // expiry day is inclusive
		{"2026-08-25", true},
		{"", false},
		{"not-a-date", true},
	}
	for _, tt := range tests {
		rec := &KeyRecord{Expiry: tt.expiry}
		assert.Equal(t, tt.want, rec.IsExpired(now), "expiry=%q", tt.expiry)
	}
}

func TestGetSettings_CachedAndInvalidated(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Set(settingsKey, `{"model_display":"Display","model_actual":"m-1"}`)

	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Display", settings.ModelDisplay)

	// A direct store write is invisible until the cache is invalidated.
	mr.Set(settingsKey, `{"model_display":"Changed","model_actual":"m-1"}`)
	settings, err = s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Display", settings.ModelDisplay)

	s.InvalidateConfigCaches()
	settings, err = s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Changed", settings.ModelDisplay)
}

func TestGetSettings_MissingYieldsZero(t *testing.T) {
	s, _ := newTestStore(t)
	settings, err := s.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, settings.APIURL)
	assert.Empty(t, settings.ModelDisplay)
}

func TestSaveSettings_TruncatesPrompts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	long := make([]byte, MaxSystemPromptLen+500)
	for i := range long {
		long[i] = 'a'
	}
	err := s.SaveSettings(ctx, &GlobalSettings{
		SystemPrompt: string(long),
		Models: map[string]ModelConfig{
			"fast": {Name: "Fast", SystemPrompt: string(long)},
		},
	})
	require.NoError(t, err)

	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, settings.SystemPrompt, MaxSystemPromptLen)
	assert.Len(t, settings.Models["fast"].SystemPrompt, MaxSystemPromptLen)
}

func TestTruncatePrompt(t *testing.T) {
	assert.Equal(t, "short", TruncatePrompt("short"))

	exact := strings.Repeat("a", MaxSystemPromptLen)
	assert.Equal(t, exact, TruncatePrompt(exact))
	assert.Equal(t, exact, TruncatePrompt(exact+"tail"))

	// A multibyte rune straddling the byte cap is dropped whole.
	straddled := strings.Repeat("a", MaxSystemPromptLen-1) + "世界"
	got := TruncatePrompt(straddled)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, MaxSystemPromptLen-1)
}

func TestSaveSettings_TruncationKeepsValidUTF8(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	prompt := strings.Repeat("a", MaxSystemPromptLen-1) + "世界"
	require.NoError(t, s.SaveSettings(ctx, &GlobalSettings{SystemPrompt: prompt}))

	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(settings.SystemPrompt))
	assert.Len(t, settings.SystemPrompt, MaxSystemPromptLen-1)
}

func TestProfiles_RoundTripAndLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.SaveProfiles(ctx, map[string]Profile{
		"p1": {ID: "p1", Name: "primary", APIURL: "https://up1", IsActive: true},
	})
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "primary", p.Name)

	_, err = s.GetProfile(ctx, "p2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackupProfiles_OrderPreserved(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	in := []BackupProfile{
		{Profile: Profile{ID: "b1", IsActive: true}, ConcurrencyLimit: 2},
		{Profile: Profile{ID: "b2", IsActive: true}, ConcurrencyLimit: 3},
		{Profile: Profile{ID: "b3", IsActive: false}, ConcurrencyLimit: 1},
	}
	require.NoError(t, s.SaveBackupProfiles(ctx, in))

	s.InvalidateConfigCaches()
	out, err := s.ListBackupProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "b1", out[0].ID)
	assert.Equal(t, "b2", out[1].ID)
	assert.Equal(t, "b3", out[2].ID)
}

func TestGetModelConfigs_SoftFailsToEmpty(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	// Unparsable settings must not fail model selection.
	mr.Set(settingsKey, `{{{not json`)
	configs := s.GetModelConfigs(ctx)
	assert.Empty(t, configs)

	mr.Set(settingsKey, `{"models":{"fast":{"name":"Fast","system_prompt":"be brief"}}}`)
	configs = s.GetModelConfigs(ctx)
	require.Contains(t, configs, "fast")
	assert.Equal(t, "be brief", configs["fast"].SystemPrompt)
}

func TestListAnnouncements_SoftFailsToEmpty(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	assert.Empty(t, s.ListAnnouncements(ctx))

	mr.Set(announcementsKey, `[{"id":"a1","title":"maintenance","type":"info","is_active":true}]`)
	anns := s.ListAnnouncements(ctx)
	require.Len(t, anns, 1)
	assert.Equal(t, "maintenance", anns[0].Title)
}
