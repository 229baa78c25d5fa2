package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmgate/internal/metrics"
)

// Cache TTLs for read-mostly configuration. Staleness is bounded by these;
// in-process admin writes invalidate eagerly, cross-process relies on expiry.
const (
	settingsCacheTTL     = 30 * time.Second
	profilesCacheTTL     = 60 * time.Second
	backupsCacheTTL      = 60 * time.Second
	modelConfigsCacheTTL = 120 * time.Second
)

// Cache entry keys.
const (
	cacheEntitySettings     = "settings"
	cacheEntityProfiles     = "profiles"
	cacheEntityBackups      = "backups"
	cacheEntityModelConfigs = "model_configs"
)

// defaultDailyLimit is assigned when migrating legacy key schemas.
const defaultDailyLimit = 100

// Store exposes typed operations over the shared Redis state store with
// per-process read-through caching of configuration entities.
type Store struct {
	rdb    redis.UniversalClient
	cache  *gocache.Cache
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Store over the given Redis client.
func New(rdb redis.UniversalClient, logger *slog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		cache:  gocache.New(gocache.NoExpiration, time.Minute),
		logger: logger,
		now:    time.Now,
	}
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// GetKey loads a KeyRecord by its caller-facing token. Stale usage windows
// are rolled to the current UTC day and written back; legacy key schemas
// are migrated in place on first read.
func (s *Store) GetKey(ctx context.Context, token string) (*KeyRecord, error) {
	raw, err := s.rdb.Get(ctx, token).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}

	rec, migrated, err := decodeKeyRecord([]byte(raw))
	if err == ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("decode key record: %w", err)
	}

	today := s.today()
	rolled := false
	if rec.UsageToday.Date != today {
		rec.UsageToday = UsageToday{Date: today, Count: 0}
		rolled = true
	}

	if migrated || rolled {
		if err := s.SaveKey(ctx, token, rec); err != nil {
			return nil, err
		}
	}

	return rec, nil
}

// SaveKey persists a KeyRecord under its token.
func (s *Store) SaveKey(ctx context.Context, token string, rec *KeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode key record: %w", err)
	}
	if err := s.rdb.Set(ctx, token, data, 0).Err(); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	return nil
}

// DeleteKey removes a KeyRecord.
func (s *Store) DeleteKey(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, token).Err(); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// legacyMarkerFields identify the pre-quota key schema: an activation flag
// plus per-IP/device caps instead of a request limit.
var legacyMarkerFields = []string{"activated", "max_ips", "ip_limit", "max_devices"}

// decodeKeyRecord parses a stored key value, migrating legacy schemas that
// predate daily limits. A numeric cap hint maps to cap*50. Values that carry
// neither the current schema nor a legacy marker are not key records at all:
// reserved configuration entities share the keyspace with caller tokens, and
// they must never authenticate, let alone be written back as keys.
func decodeKeyRecord(raw []byte) (*KeyRecord, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, ErrNotFound
	}

	if _, ok := fields["daily_limit"]; ok {
		var rec KeyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, false, err
		}
		return &rec, false, nil
	}

	legacy := false
	for _, marker := range legacyMarkerFields {
		if _, ok := fields[marker]; ok {
			legacy = true
			break
		}
	}
	if !legacy {
		return nil, false, ErrNotFound
	}

	// Legacy schema: keep expiry and selections, synthesize a daily limit.
	var rec KeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	rec.DailyLimit = defaultDailyLimit
	for _, hint := range []string{"max_ips", "ip_limit", "max_devices"} {
		if v, ok := fields[hint]; ok {
			var n int
			if err := json.Unmarshal(v, &n); err == nil && n > 0 {
				rec.DailyLimit = n * 50
				break
			}
		}
	}
	return &rec, true, nil
}

// GetSettings returns the global settings singleton, cached for 30 s.
// A missing value yields zero settings so environment fallbacks apply.
func (s *Store) GetSettings(ctx context.Context) (*GlobalSettings, error) {
	if v, ok := s.cache.Get(cacheEntitySettings); ok {
		metrics.CacheHits.WithLabelValues(cacheEntitySettings).Inc()
		return v.(*GlobalSettings), nil
	}
	metrics.CacheMisses.WithLabelValues(cacheEntitySettings).Inc()

	settings := &GlobalSettings{}
	raw, err := s.rdb.Get(ctx, settingsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}

	s.cache.Set(cacheEntitySettings, settings, settingsCacheTTL)
	return settings, nil
}

// SaveSettings persists the settings singleton and invalidates its cache,
// along with the model-config view derived from it.
func (s *Store) SaveSettings(ctx context.Context, settings *GlobalSettings) error {
	truncateModelPrompts(settings)
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.rdb.Set(ctx, settingsKey, data, 0).Err(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.cache.Delete(cacheEntitySettings)
	s.cache.Delete(cacheEntityModelConfigs)
	return nil
}

func truncateModelPrompts(settings *GlobalSettings) {
	settings.SystemPrompt = TruncatePrompt(settings.SystemPrompt)
	for id, mc := range settings.Models {
		if truncated := TruncatePrompt(mc.SystemPrompt); truncated != mc.SystemPrompt {
			mc.SystemPrompt = truncated
			settings.Models[id] = mc
		}
	}
}

// GetProfile returns one backend profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (*Profile, error) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ListProfiles returns all backend profiles keyed by id, cached for 60 s.
func (s *Store) ListProfiles(ctx context.Context) (map[string]Profile, error) {
	if v, ok := s.cache.Get(cacheEntityProfiles); ok {
		metrics.CacheHits.WithLabelValues(cacheEntityProfiles).Inc()
		return v.(map[string]Profile), nil
	}
	metrics.CacheMisses.WithLabelValues(cacheEntityProfiles).Inc()

	profiles := map[string]Profile{}
	raw, err := s.rdb.Get(ctx, profilesKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &profiles); err != nil {
			return nil, fmt.Errorf("decode profiles: %w", err)
		}
	}

	s.cache.Set(cacheEntityProfiles, profiles, profilesCacheTTL)
	return profiles, nil
}

// SaveProfiles persists the full profile map and invalidates its cache.
func (s *Store) SaveProfiles(ctx context.Context, profiles map[string]Profile) error {
	data, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	if err := s.rdb.Set(ctx, profilesKey, data, 0).Err(); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}
	s.cache.Delete(cacheEntityProfiles)
	return nil
}

// ListBackupProfiles returns backup profiles in their stored order, which is
// the waterfall fallback priority. Cached for 60 s.
func (s *Store) ListBackupProfiles(ctx context.Context) ([]BackupProfile, error) {
	if v, ok := s.cache.Get(cacheEntityBackups); ok {
		metrics.CacheHits.WithLabelValues(cacheEntityBackups).Inc()
		return v.([]BackupProfile), nil
	}
	metrics.CacheMisses.WithLabelValues(cacheEntityBackups).Inc()

	var backups []BackupProfile
	raw, err := s.rdb.Get(ctx, backupsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get backup profiles: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &backups); err != nil {
			return nil, fmt.Errorf("decode backup profiles: %w", err)
		}
	}

	s.cache.Set(cacheEntityBackups, backups, backupsCacheTTL)
	return backups, nil
}

// SaveBackupProfiles persists the ordered backup sequence and invalidates
// its cache.
func (s *Store) SaveBackupProfiles(ctx context.Context, backups []BackupProfile) error {
	data, err := json.Marshal(backups)
	if err != nil {
		return fmt.Errorf("encode backup profiles: %w", err)
	}
	if err := s.rdb.Set(ctx, backupsKey, data, 0).Err(); err != nil {
		return fmt.Errorf("save backup profiles: %w", err)
	}
	s.cache.Delete(cacheEntityBackups)
	return nil
}

// GetModelConfigs returns the model-config mapping, cached for 120 s.
// Store errors degrade to an empty map; model selection is an enhancement,
// never a reason to fail a request.
func (s *Store) GetModelConfigs(ctx context.Context) map[string]ModelConfig {
	if v, ok := s.cache.Get(cacheEntityModelConfigs); ok {
		metrics.CacheHits.WithLabelValues(cacheEntityModelConfigs).Inc()
		return v.(map[string]ModelConfig)
	}
	metrics.CacheMisses.WithLabelValues(cacheEntityModelConfigs).Inc()

	configs := map[string]ModelConfig{}
	raw, err := s.rdb.Get(ctx, settingsKey).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("model config read failed, continuing without", "error", err)
		}
		return configs
	}
	var settings GlobalSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		s.logger.Warn("model config decode failed, continuing without", "error", err)
		return configs
	}
	if settings.Models != nil {
		configs = settings.Models
	}

	s.cache.Set(cacheEntityModelConfigs, configs, modelConfigsCacheTTL)
	return configs
}

// ListAnnouncements returns all announcements. Store errors degrade to an
// empty list.
func (s *Store) ListAnnouncements(ctx context.Context) []Announcement {
	var anns []Announcement
	raw, err := s.rdb.Get(ctx, announcementsKey).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("announcement read failed, continuing without", "error", err)
		}
		return anns
	}
	if err := json.Unmarshal([]byte(raw), &anns); err != nil {
		s.logger.Warn("announcement decode failed, continuing without", "error", err)
		return nil
	}
	return anns
}

// SaveAnnouncements persists the announcement list.
func (s *Store) SaveAnnouncements(ctx context.Context, anns []Announcement) error {
	data, err := json.Marshal(anns)
	if err != nil {
		return fmt.Errorf("encode announcements: %w", err)
	}
	if err := s.rdb.Set(ctx, announcementsKey, data, 0).Err(); err != nil {
		return fmt.Errorf("save announcements: %w", err)
	}
	return nil
}

// InvalidateConfigCaches drops every cached configuration entity.
func (s *Store) InvalidateConfigCaches() {
	s.cache.Delete(cacheEntitySettings)
	s.cache.Delete(cacheEntityProfiles)
	s.cache.Delete(cacheEntityBackups)
	s.cache.Delete(cacheEntityModelConfigs)
}

func (s *Store) today() string {
	return s.now().UTC().Format(dateLayout)
}
