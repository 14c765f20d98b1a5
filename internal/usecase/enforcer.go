package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// Warn thresholds, in remaining whole minutes. Evaluated by equality on a
// point sample: a poll that never lands exactly on a threshold never warns
// for it, which is a known limitation of point-sampling.
const (
	warnFinishUp   = 15
	warnAlmostDone = 5
	warnExitNow    = 1
)

// Enforcer classifies every open session into an action: nothing, a warning
// at a named threshold, or a kill. It holds no state between evaluations;
// every decision is re-derived from the store, so two calls over identical
// persisted state at the same instant produce identical action lists.
type Enforcer struct {
	store    domain.Store
	quota    *QuotaAggregator
	hostname string
	logger   *zap.Logger
}

// NewEnforcer creates an enforcer. hostname is recorded on one-time messages
// as the host that delivered them.
func NewEnforcer(store domain.Store, quota *QuotaAggregator, hostname string, logger *zap.Logger) *Enforcer {
	return &Enforcer{
		store:    store,
		quota:    quota,
		hostname: hostname,
		logger:   logger,
	}
}

// Evaluate runs one enforcement pass as of asOf and returns the actions the
// executor should apply. Pending one-time messages are delivered first and
// marked sent, so each appears in at most one evaluation's output.
func (e *Enforcer) Evaluate(ctx context.Context, asOf time.Time) ([]domain.Action, error) {
	var actions []domain.Action

	messageActions, err := e.deliverMessages(ctx, asOf)
	if err != nil {
		return nil, err
	}
	actions = append(actions, messageActions...)

	groups, err := e.store.ProgramGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list program groups: %w", err)
	}
	groupByID := make(map[int64]domain.ProgramGroup, len(groups))
	for _, g := range groups {
		groupByID[g.ID] = g
	}

	programs, err := e.store.Programs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	programByID := make(map[int64]domain.Program, len(programs))
	for _, p := range programs {
		programByID[p.ID] = p
	}

	open, err := e.store.OpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}

	// Usage and bonuses are group-wide, so compute them once per group and
	// reuse across all open sessions in this pass.
	usageByGroup := make(map[int64]domain.GroupUsage)

	for _, session := range open {
		program, ok := programByID[session.ProgramID]
		if !ok {
			e.logger.Warn("open session references missing program",
				zap.Int64("session_id", session.ID),
				zap.Int64("program_id", session.ProgramID))
			continue
		}
		group, ok := groupByID[program.GroupID]
		if !ok {
			e.logger.Warn("program references missing group",
				zap.String("program", program.Name),
				zap.Int64("group_id", program.GroupID))
			continue
		}
		if group.Unrestricted() {
			continue
		}

		windowLeft := group.WindowMinutesLeft(asOf)
		if windowLeft == 0 {
			// Window overrun kills immediately, quota standing is irrelevant.
			actions = append(actions, killAction(session))
			e.logger.Info("window closed, killing session",
				zap.Int64("session_id", session.ID),
				zap.String("program", program.Name),
				zap.String("username", session.Username))
			continue
		}

		quotaLeft := domain.MinutesUnlimited
		if group.Limit != nil && !group.Limit.Unrestricted() {
			usage, ok := usageByGroup[group.ID]
			if !ok {
				usage, err = e.quota.Usage(ctx, group, asOf)
				if err != nil {
					return nil, fmt.Errorf("usage for group %q: %w", group.Name, err)
				}
				usageByGroup[group.ID] = usage
			}
			quotaLeft, err = e.quotaMinutesLeft(ctx, group, usage, asOf)
			if err != nil {
				return nil, err
			}
		}

		minutesLeft := windowLeft
		if quotaLeft < minutesLeft {
			minutesLeft = quotaLeft
		}

		switch {
		case minutesLeft <= 0:
			actions = append(actions, killAction(session))
			e.logger.Info("quota exhausted, killing session",
				zap.Int64("session_id", session.ID),
				zap.String("program", program.Name),
				zap.String("username", session.Username))
		case minutesLeft == warnExitNow:
			actions = append(actions, warnAction(session.Username, "1 minute left"))
		case minutesLeft == warnAlmostDone:
			actions = append(actions, warnAction(session.Username, "5 minutes left"))
		case minutesLeft == warnFinishUp:
			actions = append(actions, warnAction(session.Username, "15 minutes left"))
		}
	}

	return actions, nil
}

// deliverMessages turns every pending one-time message into a warn action
// and stamps it sent so a retry of the next cycle cannot re-deliver it.
func (e *Enforcer) deliverMessages(ctx context.Context, asOf time.Time) ([]domain.Action, error) {
	usernames, err := e.store.Usernames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list usernames: %w", err)
	}

	var actions []domain.Action
	for _, username := range usernames {
		messages, err := e.store.UnsentMessages(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("list messages for %q: %w", username, err)
		}
		for _, msg := range messages {
			if err := e.store.MarkMessageSent(ctx, msg.ID, e.hostname, asOf); err != nil {
				return nil, fmt.Errorf("mark message %d sent: %w", msg.ID, err)
			}
			actions = append(actions, warnAction(username, msg.Content))
			e.logger.Info("delivering one-time message",
				zap.Int64("message_id", msg.ID),
				zap.String("username", username))
		}
	}
	return actions, nil
}

// quotaMinutesLeft is the tightest remaining-minutes figure across the caps
// the group actually sets, with today's bonuses extending the daily cap.
// Usage is truncated to whole minutes before comparison.
func (e *Enforcer) quotaMinutesLeft(ctx context.Context, group domain.ProgramGroup, usage domain.GroupUsage, asOf time.Time) (int, error) {
	left := domain.MinutesUnlimited

	if daily := group.Limit.DailyMinutes; daily > 0 {
		bonuses, err := e.store.BonusesEffectiveOn(ctx, group.ID, asOf)
		if err != nil {
			return 0, fmt.Errorf("list bonuses for group %q: %w", group.Name, err)
		}
		for _, b := range bonuses {
			daily += b.AmountMinutes
		}
		if v := daily - int(usage.MinutesToday); v < left {
			left = v
		}
	}
	if weekly := group.Limit.WeeklyMinutes; weekly > 0 {
		if v := weekly - int(usage.MinutesThisWeek); v < left {
			left = v
		}
	}
	if monthly := group.Limit.MonthlyMinutes; monthly > 0 {
		if v := monthly - int(usage.MinutesThisMonth); v < left {
			left = v
		}
	}
	return left, nil
}

func warnAction(username, content string) domain.Action {
	return domain.Action{
		Type:     domain.ActionWarn,
		Username: username,
		Content:  content,
	}
}

func killAction(session domain.ProgramSession) domain.Action {
	return domain.Action{
		Type:      domain.ActionKill,
		Username:  session.Username,
		SessionID: session.ID,
		PIDs:      session.PIDs,
	}
}
