package infra

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// ActionExecutor applies the actions the enforcement engine decides on:
// warnings go to the notifier, kills go to the process manager.
type ActionExecutor struct {
	processes domain.ProcessManager
	notifier  domain.Notifier
	logger    *zap.Logger
}

// NewActionExecutor creates an executor.
func NewActionExecutor(processes domain.ProcessManager, notifier domain.Notifier, logger *zap.Logger) *ActionExecutor {
	return &ActionExecutor{
		processes: processes,
		notifier:  notifier,
		logger:    logger,
	}
}

// Execute applies every action. A failing action is logged and does not
// block the rest of the batch.
func (e *ActionExecutor) Execute(ctx context.Context, actions []domain.Action) {
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("action batch interrupted", zap.Error(err))
			return
		}
		switch action.Type {
		case domain.ActionWarn:
			e.warn(action)
		case domain.ActionKill:
			e.kill(action)
		default:
			e.logger.Warn("unknown action type", zap.String("type", string(action.Type)))
		}
	}
}

func (e *ActionExecutor) warn(action domain.Action) {
	if err := e.notifier.Notify(action.Username, "Time limit", action.Content); err != nil {
		e.logger.Warn("warn action failed",
			zap.String("username", action.Username),
			zap.String("content", action.Content),
			zap.Error(err))
	}
}

func (e *ActionExecutor) kill(action domain.Action) {
	for _, pid := range action.PIDs {
		if !e.processes.IsRunning(pid) {
			continue
		}
		if err := e.processes.Kill(pid); err != nil {
			e.logger.Error("failed to kill process",
				zap.Int("pid", pid),
				zap.Int64("session_id", action.SessionID),
				zap.Error(err))
			continue
		}
		e.logger.Info("killed process",
			zap.Int("pid", pid),
			zap.Int64("session_id", action.SessionID),
			zap.String("username", action.Username))
	}
	// Tell the user why their program vanished.
	if err := e.notifier.Notify(action.Username, "Time is up", "Your allowed time for this program has ended."); err != nil {
		e.logger.Warn("kill notice failed",
			zap.String("username", action.Username),
			zap.Error(err))
	}
}
