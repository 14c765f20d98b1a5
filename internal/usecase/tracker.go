// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// SessionTracker turns periodic usage snapshots into session intervals.
// It is the only writer of session rows; re-ingesting the same snapshot is
// safe because an open session is merely refreshed and closing an
// already-closed session is a no-op.
type SessionTracker struct {
	store  domain.Store
	logger *zap.Logger

	// mu serializes whole-snapshot processing so two near-simultaneous
	// reports for the same key cannot race each other's lookups.
	mu sync.Mutex

	now func() time.Time
}

// NewSessionTracker creates a tracker over the given store.
func NewSessionTracker(store domain.Store, logger *zap.Logger) *SessionTracker {
	return &SessionTracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// ReportSnapshot ingests one snapshot: open sessions for newly observed
// programs, refresh PID sets for programs still running, and close sessions
// for programs the snapshot no longer sees. Unknown program names are logged
// and skipped without failing the rest of the snapshot.
func (t *SessionTracker) ReportSnapshot(ctx context.Context, snap domain.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	programToPIDs := make(map[string][]int)
	for pid, program := range snap.PIDToProgram {
		programToPIDs[program] = append(programToPIDs[program], pid)
	}
	t.logger.Debug("ingesting snapshot",
		zap.String("hostname", snap.Hostname),
		zap.String("username", snap.Username),
		zap.Int("programs", len(programToPIDs)),
		zap.Float64("elapsed_seconds", snap.ElapsedSeconds))

	observed := make(map[int64]bool, len(programToPIDs))
	for name, pids := range programToPIDs {
		program, err := t.store.ProgramByName(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			t.logger.Warn("snapshot references unknown program, skipping",
				zap.String("program", name),
				zap.String("hostname", snap.Hostname),
				zap.Error(domain.ErrUnknownProgram))
			continue
		}
		if err != nil {
			return fmt.Errorf("look up program %q: %w", name, err)
		}

		session, created, err := t.store.EnsureOpenSession(ctx, program.ID, snap.Hostname, snap.Username, pids, now)
		if err != nil {
			return fmt.Errorf("ensure session for %q: %w", name, err)
		}
		observed[program.ID] = true

		if created {
			t.logger.Info("opened program session",
				zap.Int64("session_id", session.ID),
				zap.String("program", name),
				zap.String("username", snap.Username))
		} else {
			t.logger.Debug("refreshed program session",
				zap.Int64("session_id", session.ID),
				zap.String("program", name),
				zap.Ints("pids", pids))
		}
	}

	open, err := t.store.OpenSessionsFor(ctx, snap.Hostname, snap.Username)
	if err != nil {
		return fmt.Errorf("list open sessions: %w", err)
	}
	for _, session := range open {
		if observed[session.ProgramID] {
			continue
		}
		if err := t.store.CloseSession(ctx, session.ID, now); err != nil {
			return fmt.Errorf("close session %d: %w", session.ID, err)
		}
		t.logger.Info("closed program session",
			zap.Int64("session_id", session.ID),
			zap.Int64("program_id", session.ProgramID),
			zap.String("username", snap.Username))
	}

	return nil
}
