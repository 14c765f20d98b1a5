package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
	"github.com/eliteGoblin/timekeeper/internal/infra"
	"github.com/eliteGoblin/timekeeper/internal/usecase"
)

// TestDefaultConfig verifies default daemon configuration
func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, time.Minute, config.SnapshotInterval)
	assert.Equal(t, time.Minute, config.EvaluateInterval)
}

// fixedProcessManager serves a canned process list.
type fixedProcessManager struct {
	procs  []domain.ProcessInfo
	killed []int
}

func (m *fixedProcessManager) Snapshot() ([]domain.ProcessInfo, error) { return m.procs, nil }
func (m *fixedProcessManager) Kill(pid int) error {
	m.killed = append(m.killed, pid)
	return nil
}
func (m *fixedProcessManager) IsRunning(pid int) bool { return true }

var _ domain.ProcessManager = (*fixedProcessManager)(nil)

func newTestDaemon(t *testing.T, pm domain.ProcessManager) (*Daemon, *infra.SQLStore) {
	t.Helper()
	logger := zap.NewNop()

	store, err := infra.NewSQLStore(filepath.Join(t.TempDir(), "timekeeper.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collector := infra.NewSnapshotCollector(store, pm, "desktop", "kid", logger)
	tracker := usecase.NewSessionTracker(store, logger)
	quota := usecase.NewQuotaAggregator(store, logger)
	enforcer := usecase.NewEnforcer(store, quota, "desktop", logger)
	executor := infra.NewActionExecutor(pm, infra.NewLogNotifier(logger), logger)

	return New(DefaultConfig(), collector, tracker, enforcer, executor, logger), store
}

// TestDaemon_SnapshotOpensSession runs one snapshot pass end to end against
// a real store.
func TestDaemon_SnapshotOpensSession(t *testing.T) {
	pm := &fixedProcessManager{procs: []domain.ProcessInfo{
		{PID: 100, Name: "java", Cmdline: "java net.minecraft.client"},
	}}
	d, store := newTestDaemon(t, pm)
	ctx := context.Background()

	groupID, err := store.CreateProgramGroup(ctx, domain.ProgramGroup{Name: "games"})
	require.NoError(t, err)
	_, err = store.CreateProgram(ctx, domain.Program{
		Name:      "minecraft",
		GroupID:   groupID,
		Processes: []domain.ProgramProcess{{Name: "minecraft"}},
	})
	require.NoError(t, err)

	d.runSnapshot(ctx)

	open, err := store.OpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, []int{100}, open[0].PIDs)

	// Process gone, next snapshot closes the session.
	pm.procs = nil
	d.runSnapshot(ctx)

	open, err = store.OpenSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

// TestDaemon_EvaluationKillsOverQuota runs a snapshot and an evaluation pass
// against a group whose daily cap is already spent.
func TestDaemon_EvaluationKillsOverQuota(t *testing.T) {
	pm := &fixedProcessManager{procs: []domain.ProcessInfo{
		{PID: 100, Name: "java", Cmdline: "java net.minecraft.client"},
	}}
	d, store := newTestDaemon(t, pm)
	ctx := context.Background()

	groupID, err := store.CreateProgramGroup(ctx, domain.ProgramGroup{
		Name:  "games",
		Limit: &domain.Limit{DailyMinutes: 60},
	})
	require.NoError(t, err)
	programID, err := store.CreateProgram(ctx, domain.Program{
		Name:      "minecraft",
		GroupID:   groupID,
		Processes: []domain.ProgramProcess{{Name: "minecraft"}},
	})
	require.NoError(t, err)

	// A closed session earlier today already burned the whole cap.
	now := time.Now()
	if now.Hour() < 2 {
		t.Skip("too close to midnight for a same-day spent session")
	}
	spent, _, err := store.EnsureOpenSession(ctx, programID, "desktop", "kid", []int{99}, now.Add(-90*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.CloseSession(ctx, spent.ID, now.Add(-30*time.Minute)))

	d.runSnapshot(ctx)
	d.runEvaluation(ctx)

	assert.Equal(t, []int{100}, pm.killed)
}

// TestDaemon_RunStopsOnCancel verifies the loop honors context cancellation.
func TestDaemon_RunStopsOnCancel(t *testing.T) {
	d, _ := newTestDaemon(t, &fixedProcessManager{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on cancel")
	}
}
