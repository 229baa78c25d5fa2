// Package store provides typed operations over the shared Redis state store.
// All configuration entities are JSON values owned by the admin surface; the
// dispatch engine writes only usage counters, conversation markers, and
// per-source concurrency counters.
package store

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Redis key layout. API keys are stored under their raw caller-facing token.
const (
	settingsKey       = "__proxy_settings__"
	profilesKey       = "__api_profiles__"
	backupsKey        = "__backup_profiles__"
	announcementsKey  = "__announcements__"
	concurrencyPrefix = "concurrency:"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// MaxSystemPromptLen caps injected system prompts, in bytes.
const MaxSystemPromptLen = 10000

// TruncatePrompt caps a prompt at MaxSystemPromptLen bytes. The cut backs
// off to a rune boundary so a multibyte character straddling the cap is
// dropped whole rather than split into invalid UTF-8.
func TruncatePrompt(s string) string {
	if len(s) <= MaxSystemPromptLen {
		return s
	}
	cut := MaxSystemPromptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// dateLayout is the calendar-day format used for expiry and usage roll.
const dateLayout = "2006-01-02"

// PromptFormat selects how a system prompt is injected into request bodies.
type PromptFormat string

// Supported prompt injection formats.
const (
	PromptFormatAuto            PromptFormat = "auto"
	PromptFormatAnthropic       PromptFormat = "anthropic"
	PromptFormatOpenAI          PromptFormat = "openai"
	PromptFormatBoth            PromptFormat = "both"
	PromptFormatUserMessage     PromptFormat = "user_message"
	PromptFormatInjectFirstUser PromptFormat = "inject_first_user"
	PromptFormatDisabled        PromptFormat = "disabled"
)

// UsageToday tracks request consumption for a single UTC day.
type UsageToday struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// KeyRecord describes one caller API key. The Redis key holding the record
// is the caller-facing token itself.
type KeyRecord struct {
	Expiry               string     `json:"expiry"`
	DailyLimit           int        `json:"daily_limit"`
	UsageToday           UsageToday `json:"usage_today"`
	SelectedModel        string     `json:"selected_model,omitempty"`
	SelectedAPIProfileID string     `json:"selected_api_profile_id,omitempty"`
	LastRequestTimestamp int64      `json:"last_request_timestamp,omitempty"`
	LastConversationID   string     `json:"last_conversation_id,omitempty"`
}

// IsExpired reports whether the key is past its expiry date.
// The expiry day itself is still valid.
func (k *KeyRecord) IsExpired(now time.Time) bool {
	if k.Expiry == "" {
		return false
	}
	expiry, err := time.ParseInLocation(dateLayout, k.Expiry, time.UTC)
	if err != nil {
		return true
	}
	return now.UTC().After(expiry.Add(24*time.Hour - time.Nanosecond))
}

// Profile describes one upstream backend.
type Profile struct {
	ID                           string       `json:"id"`
	Name                         string       `json:"name"`
	APIKey                       string       `json:"api_key"`
	APIURL                       string       `json:"api_url"`
	ModelActual                  string       `json:"model_actual,omitempty"`
	ModelDisplay                 string       `json:"model_display,omitempty"`
	IsActive                     bool         `json:"is_active"`
	DisableSystemPromptInjection bool         `json:"disable_system_prompt_injection,omitempty"`
	SystemPromptFormat           PromptFormat `json:"system_prompt_format,omitempty"`
	Capabilities                 []string     `json:"capabilities,omitempty"`
}

// BackupProfile is a Profile with a concurrency cap. Backups are stored as
// an ordered sequence; the order is the fallback priority.
type BackupProfile struct {
	Profile
	ConcurrencyLimit int `json:"concurrency_limit"`
}

// ModelConfig pairs a display name with a per-model system prompt.
type ModelConfig struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// GlobalSettings is the singleton describing the default upstream.
type GlobalSettings struct {
	APIURL             string                 `json:"api_url"`
	APIKey             string                 `json:"api_key"`
	ModelDisplay       string                 `json:"model_display"`
	ModelActual        string                 `json:"model_actual"`
	SystemPrompt       string                 `json:"system_prompt,omitempty"`
	ConcurrencyLimit   *int                   `json:"concurrency_limit,omitempty"`
	SystemPromptFormat PromptFormat           `json:"system_prompt_format,omitempty"`
	Models             map[string]ModelConfig `json:"models,omitempty"`
}

// Announcement is a dashboard notice. The dispatch engine only ever reads
// these; reads are soft and degrade to an empty list on store errors.
type Announcement struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Type      string `json:"type"` // info, warning, error, success
	Priority  int    `json:"priority"`
	IsActive  bool   `json:"is_active"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// UsageCheck is the result of a quota pre-check.
type UsageCheck struct {
	Allowed bool
	Current int
	Limit   int
	Reason  string
}

// Pre-check denial reasons.
const (
	ReasonInvalidKey        = "invalid_key"
	ReasonDailyLimitReached = "daily_limit_reached"
)

// UsageIncrement is the result of a deferred usage commit.
type UsageIncrement struct {
	Allowed         bool
	Current         int
	Limit           int
	ShouldIncrement bool
	Reason          string
}

// AcquireResult is the outcome of a concurrency slot acquisition attempt.
type AcquireResult struct {
	Allowed bool
	Current int64
}
