// Package daemon implements the monitoring loop.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
	"github.com/eliteGoblin/timekeeper/internal/infra"
	"github.com/eliteGoblin/timekeeper/internal/usecase"
)

// Config holds daemon loop configuration.
type Config struct {
	SnapshotInterval time.Duration // How often to scan processes and record sessions
	EvaluateInterval time.Duration // How often to run enforcement
}

// DefaultConfig returns default daemon configuration.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: time.Minute,
		EvaluateInterval: time.Minute,
	}
}

// Daemon drives the two recurring jobs: snapshot ingestion, which keeps
// session intervals current, and evaluation, which turns usage and schedule
// state into warn/kill actions.
type Daemon struct {
	config    Config
	collector *infra.SnapshotCollector
	tracker   *usecase.SessionTracker
	enforcer  *usecase.Enforcer
	executor  *infra.ActionExecutor
	logger    *zap.Logger

	lastSnapshot time.Time
	now          func() time.Time
}

// New creates a daemon.
func New(
	config Config,
	collector *infra.SnapshotCollector,
	tracker *usecase.SessionTracker,
	enforcer *usecase.Enforcer,
	executor *infra.ActionExecutor,
	logger *zap.Logger,
) *Daemon {
	return &Daemon{
		config:    config,
		collector: collector,
		tracker:   tracker,
		enforcer:  enforcer,
		executor:  executor,
		logger:    logger,
		now:       time.Now,
	}
}

// Run starts the daemon loop.
// This blocks until context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon started",
		zap.Duration("snapshot_interval", d.config.SnapshotInterval),
		zap.Duration("evaluate_interval", d.config.EvaluateInterval))

	// Run both jobs immediately on startup
	d.runSnapshot(ctx)
	d.runEvaluation(ctx)

	snapshotTicker := time.NewTicker(d.config.SnapshotInterval)
	evaluateTicker := time.NewTicker(d.config.EvaluateInterval)

	defer func() {
		snapshotTicker.Stop()
		evaluateTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			return ctx.Err()

		case <-snapshotTicker.C:
			d.runSnapshot(ctx)

		case <-evaluateTicker.C:
			d.runEvaluation(ctx)
		}
	}
}

// runSnapshot scans processes and feeds the observation to the tracker.
func (d *Daemon) runSnapshot(ctx context.Context) {
	d.logger.Debug("running snapshot")

	asOf := d.now()
	elapsed := d.config.SnapshotInterval.Seconds()
	if !d.lastSnapshot.IsZero() {
		elapsed = asOf.Sub(d.lastSnapshot).Seconds()
	}

	snapshot, err := d.collector.Collect(ctx, elapsed)
	if err != nil {
		d.logger.Error("snapshot collection failed", zap.Error(err))
		return
	}

	if err := d.tracker.ReportSnapshot(ctx, snapshot); err != nil {
		d.logger.Error("snapshot ingestion failed", zap.Error(err))
		return
	}

	d.lastSnapshot = asOf
}

// runEvaluation asks the enforcer for actions and applies them.
func (d *Daemon) runEvaluation(ctx context.Context) {
	d.logger.Debug("running evaluation")

	actions, err := d.enforcer.Evaluate(ctx, d.now())
	if err != nil {
		d.logger.Error("evaluation failed", zap.Error(err))
		return
	}
	if len(actions) == 0 {
		return
	}

	var warns, kills int
	for _, action := range actions {
		switch action.Type {
		case domain.ActionWarn:
			warns++
		case domain.ActionKill:
			kills++
		}
	}
	d.logger.Info("evaluation completed",
		zap.Int("warnings", warns),
		zap.Int("kills", kills))

	d.executor.Execute(ctx, actions)
}
