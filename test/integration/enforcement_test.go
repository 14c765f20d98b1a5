//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/config"
	"github.com/eliteGoblin/timekeeper/internal/domain"
	"github.com/eliteGoblin/timekeeper/internal/infra"
	"github.com/eliteGoblin/timekeeper/internal/usecase"
)

// scriptedProcessManager serves whatever process list the test sets.
type scriptedProcessManager struct {
	procs  []domain.ProcessInfo
	killed []int
}

func (m *scriptedProcessManager) Snapshot() ([]domain.ProcessInfo, error) { return m.procs, nil }
func (m *scriptedProcessManager) Kill(pid int) error {
	m.killed = append(m.killed, pid)
	return nil
}
func (m *scriptedProcessManager) IsRunning(pid int) bool { return true }

// recordingNotifier keeps delivered notification bodies.
type recordingNotifier struct {
	bodies []string
}

func (n *recordingNotifier) Notify(username, title, body string) error {
	n.bodies = append(n.bodies, body)
	return nil
}

const seedPolicy = `
groups:
  games:
    daily_minutes: 60
  tools: {}
programs:
  minecraft:
    group: games
    processes: ["minecraft"]
  editor:
    group: tools
    processes: ["code"]
`

var _ = Describe("Enforcement", func() {
	var (
		tmpDir    string
		store     *infra.SQLStore
		pm        *scriptedProcessManager
		notifier  *recordingNotifier
		collector *infra.SnapshotCollector
		tracker   *usecase.SessionTracker
		enforcer  *usecase.Enforcer
		executor  *infra.ActionExecutor
		ctx       context.Context
		logger    *zap.Logger
	)

	evaluateAndExecute := func(asOf time.Time) []domain.Action {
		actions, err := enforcer.Evaluate(ctx, asOf)
		Expect(err).NotTo(HaveOccurred())
		executor.Execute(ctx, actions)
		return actions
	}

	BeforeEach(func() {
		if time.Now().Hour() < 2 {
			Skip("too close to midnight for same-day usage fixtures")
		}

		var err error
		tmpDir, err = os.MkdirTemp("", "timekeeper-integration-*")
		Expect(err).NotTo(HaveOccurred())

		ctx = context.Background()
		logger = zap.NewNop()

		store, err = infra.NewSQLStore(filepath.Join(tmpDir, "timekeeper.db"), nil)
		Expect(err).NotTo(HaveOccurred())

		policyPath := filepath.Join(tmpDir, "policy.yaml")
		Expect(os.WriteFile(policyPath, []byte(seedPolicy), 0600)).To(Succeed())
		policy, err := config.LoadPolicy(policyPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(policy.Apply(ctx, store)).To(Succeed())

		pm = &scriptedProcessManager{}
		notifier = &recordingNotifier{}
		collector = infra.NewSnapshotCollector(store, pm, "desktop", "kid", logger)
		tracker = usecase.NewSessionTracker(store, logger)
		quota := usecase.NewQuotaAggregator(store, logger)
		enforcer = usecase.NewEnforcer(store, quota, "desktop", logger)
		executor = infra.NewActionExecutor(pm, notifier, logger)
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(tmpDir)
	})

	snapshot := func() {
		snap, err := collector.Collect(ctx, 60)
		Expect(err).NotTo(HaveOccurred())
		Expect(tracker.ReportSnapshot(ctx, snap)).To(Succeed())
	}

	Describe("session lifecycle", func() {
		It("opens a session when a tracked process appears and closes it when it vanishes", func() {
			pm.procs = []domain.ProcessInfo{
				{PID: 100, Name: "minecraft-launcher", Cmdline: "/usr/bin/minecraft-launcher"},
			}
			snapshot()

			open, err := store.OpenSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(HaveLen(1))
			Expect(open[0].PIDs).To(Equal([]int{100}))

			snapshot() // same observation, still one session
			open, err = store.OpenSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(HaveLen(1))

			pm.procs = nil
			snapshot()
			open, err = store.OpenSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(BeEmpty())

			sessions, err := store.SessionsSince(ctx, time.Now().Add(-time.Hour), nil, "kid")
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions).To(HaveLen(1))
			Expect(sessions[0].End).NotTo(BeNil())
		})
	})

	Describe("quota enforcement", func() {
		It("kills a session once the daily cap is spent and leaves unrestricted groups alone", func() {
			now := time.Now()

			// 90 minutes already burned today against a 60 minute cap.
			program, err := store.ProgramByName(ctx, "minecraft")
			Expect(err).NotTo(HaveOccurred())
			spent, _, err := store.EnsureOpenSession(ctx, program.ID, "desktop", "kid", []int{99}, now.Add(-100*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(store.CloseSession(ctx, spent.ID, now.Add(-10*time.Minute))).To(Succeed())

			pm.procs = []domain.ProcessInfo{
				{PID: 100, Name: "minecraft-launcher", Cmdline: "/usr/bin/minecraft-launcher"},
				{PID: 200, Name: "code", Cmdline: "/usr/bin/code"},
			}
			snapshot()

			actions := evaluateAndExecute(now)
			Expect(actions).To(HaveLen(1))
			Expect(actions[0].Type).To(Equal(domain.ActionKill))
			Expect(pm.killed).To(Equal([]int{100}))
		})

		It("extends the daily cap with a same-day bonus", func() {
			now := time.Now()

			groups, err := store.ProgramGroups(ctx)
			Expect(err).NotTo(HaveOccurred())
			var gamesID int64
			for _, g := range groups {
				if g.Name == "games" {
					gamesID = g.ID
				}
			}

			program, err := store.ProgramByName(ctx, "minecraft")
			Expect(err).NotTo(HaveOccurred())
			spent, _, err := store.EnsureOpenSession(ctx, program.ID, "desktop", "kid", []int{99}, now.Add(-100*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(store.CloseSession(ctx, spent.ID, now.Add(-10*time.Minute))).To(Succeed())

			_, err = store.CreateBonus(ctx, domain.ProgramGroupBonus{
				GroupID: gamesID, AmountMinutes: 60, Creator: "parent",
				Effective: now, Created: now,
			})
			Expect(err).NotTo(HaveOccurred())

			pm.procs = []domain.ProcessInfo{
				{PID: 100, Name: "minecraft-launcher", Cmdline: "/usr/bin/minecraft-launcher"},
			}
			snapshot()

			actions := evaluateAndExecute(now)
			Expect(actions).To(BeEmpty())
			Expect(pm.killed).To(BeEmpty())
		})
	})

	Describe("one-time messages", func() {
		It("delivers a queued message exactly once", func() {
			now := time.Now()

			// The user needs a session for the enforcer to know about them.
			pm.procs = []domain.ProcessInfo{
				{PID: 200, Name: "code", Cmdline: "/usr/bin/code"},
			}
			snapshot()

			_, err := store.CreateMessage(ctx, domain.OneTimeMessage{
				Username: "kid", Content: "dinner at six", Created: now,
			})
			Expect(err).NotTo(HaveOccurred())

			actions := evaluateAndExecute(now)
			Expect(actions).To(HaveLen(1))
			Expect(actions[0].Content).To(Equal("dinner at six"))
			Expect(notifier.bodies).To(ContainElement("dinner at six"))

			actions = evaluateAndExecute(now.Add(time.Minute))
			Expect(actions).To(BeEmpty())

			pending, err := store.UnsentMessages(ctx, "kid")
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})
})
