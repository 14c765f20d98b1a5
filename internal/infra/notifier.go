package infra

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

const notifyTimeout = 5 * time.Second

// DesktopNotifier delivers messages via notify-send. Delivery failures are
// logged and swallowed so an absent desktop never stalls enforcement.
type DesktopNotifier struct {
	logger *zap.Logger
}

// NewDesktopNotifier creates a desktop notifier.
func NewDesktopNotifier(logger *zap.Logger) *DesktopNotifier {
	return &DesktopNotifier{logger: logger}
}

// Notify shows a desktop notification for the user.
func (n *DesktopNotifier) Notify(username, title, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "notify-send", "--urgency=critical", title, body)
	if out, err := cmd.CombinedOutput(); err != nil {
		n.logger.Warn("notification delivery failed",
			zap.String("username", username),
			zap.String("title", title),
			zap.String("output", string(out)),
			zap.Error(err))
		return fmt.Errorf("notify-send: %w", err)
	}

	n.logger.Info("notification delivered",
		zap.String("username", username),
		zap.String("title", title),
		zap.String("body", body))
	return nil
}

// LogNotifier writes notifications to the log only. Used when no desktop
// session is available, and in tests.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the message instead of displaying it.
func (n *LogNotifier) Notify(username, title, body string) error {
	n.logger.Info("notification",
		zap.String("username", username),
		zap.String("title", title),
		zap.String("body", body))
	return nil
}

// Ensure both notifiers implement domain.Notifier.
var (
	_ domain.Notifier = (*DesktopNotifier)(nil)
	_ domain.Notifier = (*LogNotifier)(nil)
)
