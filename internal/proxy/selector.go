package proxy

import (
	"context"
	"log/slog"

	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/store"
	proxyerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// Source kinds.
const (
	SourceKindDefault = "default"
	SourceKindProfile = "profile"
	SourceKindBackup  = "backup"
)

// defaultSourceID is the ledger key for the default upstream.
const defaultSourceID = "default"

// Fallback concurrency caps applied when the admin has not set one.
const (
	defaultConcurrencyLimit = 100
	backupConcurrencyLimit  = 10
)

// ActiveSource describes the upstream chosen for one request.
// ConcurrencyOwnerID names the ledger slot that must be released on
// termination; it is empty when no slot was acquired (pinned profiles and
// the queued-default overflow path).
type ActiveSource struct {
	ID                           string
	Kind                         string
	APIURL                       string
	APIKey                       string
	ModelActual                  string
	DisableSystemPromptInjection bool
	SystemPromptFormat           store.PromptFormat
	ConcurrencyOwnerID           string
}

// DefaultSource is the resolved default upstream: global settings with
// environment fallbacks already applied.
type DefaultSource struct {
	APIURL           string
	APIKey           string
	ConcurrencyLimit *int
}

// Selector resolves the upstream for a request via the waterfall policy:
// user-pinned profile, then default, then ordered backups, then the
// queued-default overflow.
type Selector struct {
	store  *store.Store
	logger *slog.Logger
}

// NewSelector creates a Selector over the given store.
func NewSelector(st *store.Store, logger *slog.Logger) *Selector {
	return &Selector{store: st, logger: logger}
}

// Select picks a source for the request. Every returned source with a
// non-empty ConcurrencyOwnerID holds exactly one acquired slot that the
// caller must release on every termination path.
func (s *Selector) Select(ctx context.Context, rec *store.KeyRecord, def DefaultSource) (*ActiveSource, error) {
	// User-pinned profiles bypass the ledger entirely and queue implicitly
	// on the backend. Missing or inactive pins fall through to the waterfall.
	if rec.SelectedAPIProfileID != "" {
		profile, err := s.store.GetProfile(ctx, rec.SelectedAPIProfileID)
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		if err == nil && profile.IsActive {
			metrics.SourceSelections.WithLabelValues("pinned").Inc()
			return &ActiveSource{
				ID:                           profile.ID,
				Kind:                         SourceKindProfile,
				APIURL:                       profile.APIURL,
				APIKey:                       profile.APIKey,
				ModelActual:                  profile.ModelActual,
				DisableSystemPromptInjection: profile.DisableSystemPromptInjection,
				SystemPromptFormat:           profile.SystemPromptFormat,
			}, nil
		}
		s.logger.Debug("pinned profile unavailable, falling back to waterfall",
			"profile_id", rec.SelectedAPIProfileID,
		)
	}

	hasDefault := def.APIURL != ""

	if hasDefault {
		limit := defaultConcurrencyLimit
		if def.ConcurrencyLimit != nil {
			limit = *def.ConcurrencyLimit
		}
		acquired, err := s.store.TryAcquire(ctx, defaultSourceID, limit)
		if err != nil {
			return nil, err
		}
		if acquired.Allowed {
			metrics.SourceSelections.WithLabelValues(SourceKindDefault).Inc()
			return &ActiveSource{
				ID:                 defaultSourceID,
				Kind:               SourceKindDefault,
				APIURL:             def.APIURL,
				APIKey:             def.APIKey,
				ConcurrencyOwnerID: defaultSourceID,
			}, nil
		}
	}

	backups, err := s.store.ListBackupProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, backup := range backups {
		if !backup.IsActive {
			continue
		}
		limit := backup.ConcurrencyLimit
		if limit <= 0 {
			limit = backupConcurrencyLimit
		}
		acquired, err := s.store.TryAcquire(ctx, backup.ID, limit)
		if err != nil {
			return nil, err
		}
		if !acquired.Allowed {
			continue
		}
		metrics.SourceSelections.WithLabelValues(SourceKindBackup).Inc()
		return &ActiveSource{
			ID:                           backup.ID,
			Kind:                         SourceKindBackup,
			APIURL:                       backup.APIURL,
			APIKey:                       backup.APIKey,
			ModelActual:                  backup.ModelActual,
			DisableSystemPromptInjection: backup.DisableSystemPromptInjection,
			SystemPromptFormat:           backup.SystemPromptFormat,
			ConcurrencyOwnerID:           backup.ID,
		}, nil
	}

	// Overflow escape hatch: forward to the default without a slot and let
	// the upstream serve or refuse. The proxy never queues in memory.
	if hasDefault {
		metrics.SourceSelections.WithLabelValues("queued_default").Inc()
		return &ActiveSource{
			ID:     defaultSourceID,
			Kind:   SourceKindDefault,
			APIURL: def.APIURL,
			APIKey: def.APIKey,
		}, nil
	}

	metrics.SourceSelections.WithLabelValues("exhausted").Inc()
	return nil, proxyerrors.NewServiceUnavailableError("no upstream source is configured or available")
}
