package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// StatusReporter summarizes each user's standing against each group, for
// the status command and anything else that wants a human-readable view.
type StatusReporter struct {
	store  domain.Store
	quota  *QuotaAggregator
	logger *zap.Logger
}

// NewStatusReporter creates a reporter over the given store.
func NewStatusReporter(store domain.Store, quota *QuotaAggregator, logger *zap.Logger) *StatusReporter {
	return &StatusReporter{store: store, quota: quota, logger: logger}
}

// Report returns, per username, one status per group with a daily cap or a
// window. Remaining minutes are against the daily cap only; a group without
// one reports MinutesUnlimited remaining.
func (r *StatusReporter) Report(ctx context.Context, asOf time.Time) (map[string][]domain.GroupStatus, error) {
	usernames, err := r.store.Usernames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list usernames: %w", err)
	}
	groups, err := r.store.ProgramGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list program groups: %w", err)
	}

	results := make(map[string][]domain.GroupStatus, len(usernames))
	for _, username := range usernames {
		for _, group := range groups {
			usage, err := r.quota.UsageFor(ctx, group, username, asOf)
			if err != nil {
				return nil, fmt.Errorf("usage for %q/%q: %w", username, group.Name, err)
			}
			remaining := domain.MinutesUnlimited
			if group.Limit != nil && group.Limit.DailyMinutes > 0 {
				remaining = group.Limit.DailyMinutes - int(usage.MinutesToday)
			}
			results[username] = append(results[username], domain.GroupStatus{
				Group:                 group.Name,
				Username:              username,
				MinutesUsedToday:      usage.Rounded().MinutesToday,
				MinutesRemainingToday: remaining,
			})
		}
	}

	r.logger.Debug("built status report", zap.Int("users", len(results)))
	return results, nil
}
