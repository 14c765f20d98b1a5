package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// QuotaAggregator computes a group's consumed minutes over the current day,
// ISO week and calendar month. One store fetch covers all three sums; each
// session's contribution is clipped to the period boundary, so a session
// spanning a rollover only counts the part inside the period.
type QuotaAggregator struct {
	store  domain.Store
	logger *zap.Logger
}

// NewQuotaAggregator creates an aggregator over the given store.
func NewQuotaAggregator(store domain.Store, logger *zap.Logger) *QuotaAggregator {
	return &QuotaAggregator{store: store, logger: logger}
}

// Usage returns the minutes group consumed today, this week and this month
// as of asOf, across all hosts and users.
func (q *QuotaAggregator) Usage(ctx context.Context, group domain.ProgramGroup, asOf time.Time) (domain.GroupUsage, error) {
	return q.usage(ctx, group, "", asOf)
}

// UsageFor is Usage restricted to one username.
func (q *QuotaAggregator) UsageFor(ctx context.Context, group domain.ProgramGroup, username string, asOf time.Time) (domain.GroupUsage, error) {
	return q.usage(ctx, group, username, asOf)
}

func (q *QuotaAggregator) usage(ctx context.Context, group domain.ProgramGroup, username string, asOf time.Time) (domain.GroupUsage, error) {
	programs, err := q.store.Programs(ctx)
	if err != nil {
		return domain.GroupUsage{}, fmt.Errorf("list programs: %w", err)
	}
	var programIDs []int64
	for _, p := range programs {
		if p.GroupID == group.ID {
			programIDs = append(programIDs, p.ID)
		}
	}
	if len(programIDs) == 0 {
		return domain.GroupUsage{}, nil
	}

	dayStart := DayStart(asOf)
	weekStart := WeekStart(asOf)
	monthStart := MonthStart(asOf)
	earliest := weekStart
	if monthStart.Before(earliest) {
		earliest = monthStart
	}

	sessions, err := q.store.SessionsSince(ctx, earliest, programIDs, username)
	if err != nil {
		return domain.GroupUsage{}, fmt.Errorf("list sessions since %s: %w", earliest, err)
	}

	var usage domain.GroupUsage
	for _, s := range sessions {
		usage.MinutesToday += overlapMinutes(s, dayStart, asOf)
		usage.MinutesThisWeek += overlapMinutes(s, weekStart, asOf)
		usage.MinutesThisMonth += overlapMinutes(s, monthStart, asOf)
	}

	q.logger.Debug("computed group usage",
		zap.String("group", group.Name),
		zap.Float64("minutes_today", usage.MinutesToday),
		zap.Float64("minutes_this_week", usage.MinutesThisWeek),
		zap.Float64("minutes_this_month", usage.MinutesThisMonth))

	return usage, nil
}

// overlapMinutes is the session's contribution to the period
// [boundary, asOf], in fractional minutes. A session still open at
// evaluation time uses asOf as its provisional end.
func overlapMinutes(s domain.ProgramSession, boundary, asOf time.Time) float64 {
	start := s.Start
	if start.Before(boundary) {
		start = boundary
	}
	end := s.EndOr(asOf)
	if end.After(asOf) {
		end = asOf
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Minutes()
}

// DayStart is asOf truncated to local midnight.
func DayStart(asOf time.Time) time.Time {
	return time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, asOf.Location())
}

// WeekStart is Monday 00:00 of the ISO week containing asOf.
func WeekStart(asOf time.Time) time.Time {
	return DayStart(asOf).AddDate(0, 0, -(domain.ISOWeekday(asOf) - 1))
}

// MonthStart is day 1, 00:00 of asOf's month.
func MonthStart(asOf time.Time) time.Time {
	return time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, asOf.Location())
}
