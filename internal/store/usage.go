package store

import (
	"context"
	"time"

	"github.com/blueberrycongee/llmgate/internal/metrics"
)

// conversationDedupWindow is the window within which a repeated request from
// the same client fingerprint counts as a retry of the same turn.
const conversationDedupWindow = 60 * time.Second

// CheckUsage performs a quota pre-check without mutating the record.
func (s *Store) CheckUsage(ctx context.Context, token string) (UsageCheck, error) {
	rec, err := s.GetKey(ctx, token)
	if err == ErrNotFound {
		return UsageCheck{Allowed: false, Reason: ReasonInvalidKey}, nil
	}
	if err != nil {
		return UsageCheck{}, err
	}

	check := UsageCheck{
		Current: rec.UsageToday.Count,
		Limit:   rec.DailyLimit,
	}
	if rec.UsageToday.Count >= rec.DailyLimit {
		check.Reason = ReasonDailyLimitReached
		return check, nil
	}
	check.Allowed = true
	return check, nil
}

// IncrementUsage commits one unit of quota after a successful upstream
// interaction. A repeat of the same conversation fingerprint within the
// dedup window is acknowledged without incrementing, so rapid client-side
// retries of one logical turn charge once.
func (s *Store) IncrementUsage(ctx context.Context, token, conversationID string) (UsageIncrement, error) {
	rec, err := s.GetKey(ctx, token)
	if err == ErrNotFound {
		return UsageIncrement{Reason: ReasonInvalidKey}, nil
	}
	if err != nil {
		return UsageIncrement{}, err
	}

	result := UsageIncrement{
		Current: rec.UsageToday.Count,
		Limit:   rec.DailyLimit,
	}
	if rec.UsageToday.Count >= rec.DailyLimit {
		result.Reason = ReasonDailyLimitReached
		return result, nil
	}

	nowMs := s.now().UnixMilli()
	if conversationID != "" &&
		conversationID == rec.LastConversationID &&
		nowMs-rec.LastRequestTimestamp < conversationDedupWindow.Milliseconds() {
		result.Allowed = true
		metrics.UsageDeduped.Inc()
		return result, nil
	}

	rec.UsageToday.Count++
	rec.LastConversationID = conversationID
	rec.LastRequestTimestamp = nowMs
	if err := s.SaveKey(ctx, token, rec); err != nil {
		return UsageIncrement{}, err
	}

	result.Allowed = true
	result.ShouldIncrement = true
	result.Current = rec.UsageToday.Count
	return result, nil
}
