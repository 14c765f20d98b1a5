// Package main is the CLI entry point for timekeeperd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/timekeeper/internal/config"
	"github.com/eliteGoblin/timekeeper/internal/daemon"
	"github.com/eliteGoblin/timekeeper/internal/domain"
	"github.com/eliteGoblin/timekeeper/internal/infra"
	"github.com/eliteGoblin/timekeeper/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "timekeeperd",
	Short: "Screen time keeper - limits program usage per child",
	Long: `timekeeperd tracks which configured programs are running, records
usage sessions, and enforces per-group schedules and daily/weekly/monthly
minute caps. When a limit is near it warns the user; when it is spent it
kills the offending processes.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring daemon",
	Long: `Runs the monitoring loop in the foreground: snapshots running
processes on one interval and evaluates limits on another. Intended to be
started by a service manager.`,
	RunE: runRun,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one snapshot and enforcement pass immediately",
	Long: `Takes one process snapshot, updates sessions, evaluates every open
session against its group's schedule and caps, and applies the resulting
warnings and kills. Useful for cron-style setups and debugging.`,
	RunE: runEvaluate,
}

var seedCmd = &cobra.Command{
	Use:   "seed <policy.yaml>",
	Short: "Load a policy file into the database",
	Long: `Replaces the configured windows, groups and programs with the
contents of a policy file. Recorded sessions, pending messages and granted
bonuses are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-user usage and remaining minutes",
	RunE:  runStatus,
}

var messageCmd = &cobra.Command{
	Use:   "message <username> <text>",
	Short: "Queue a one-time message for a user",
	Long: `Queues a message that is shown to the user exactly once, on the
next enforcement pass that finds it pending.`,
	Args: cobra.ExactArgs(2),
	RunE: runMessage,
}

var bonusCmd = &cobra.Command{
	Use:   "bonus <group> <minutes>",
	Short: "Grant extra daily minutes to a group",
	Long: `Grants bonus minutes to a program group. The bonus extends the
group's daily cap on the effective day only.`,
	Args: cobra.ExactArgs(2),
	RunE: runBonus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath   string
	bonusDate    string
	bonusMessage string
	jsonOutput   bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	bonusCmd.Flags().StringVar(&bonusDate, "date", "", "Effective date (YYYY-MM-DD, default today)")
	bonusCmd.Flags().StringVar(&bonusMessage, "message", "", "Reason shown in the audit trail")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(bonusCmd)
	rootCmd.AddCommand(versionCmd)
}

// components bundles everything a command needs after bootstrap.
type components struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *infra.SQLStore
	collector *infra.SnapshotCollector
	tracker   *usecase.SessionTracker
	enforcer  *usecase.Enforcer
	executor  *infra.ActionExecutor
}

func bootstrap() (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := createLogger(cfg)

	var key []byte
	switch {
	case cfg.Database.Key != "":
		key = []byte(cfg.Database.Key)
	case cfg.Database.KeyFile != "":
		key, err = infra.EnsureKey(infra.NewFileKeyProvider(cfg.Database.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load database key: %w", err)
		}
	}
	store, err := infra.NewSQLStore(cfg.Database.Path, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pm := infra.NewProcessManager()
	collector := infra.NewSnapshotCollector(store, pm, cfg.Daemon.Hostname, cfg.Daemon.Username, logger)
	tracker := usecase.NewSessionTracker(store, logger)
	quota := usecase.NewQuotaAggregator(store, logger)
	enforcer := usecase.NewEnforcer(store, quota, cfg.Daemon.Hostname, logger)
	executor := infra.NewActionExecutor(pm, infra.NewDesktopNotifier(logger), logger)

	return &components{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		collector: collector,
		tracker:   tracker,
		enforcer:  enforcer,
		executor:  executor,
	}, nil
}

func (c *components) close() {
	_ = c.store.Close()
	_ = c.logger.Sync()
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	snapshotInterval, err := c.cfg.SnapshotInterval()
	if err != nil {
		return err
	}
	evaluateInterval, err := c.cfg.EvaluateInterval()
	if err != nil {
		return err
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		c.logger.Info("received shutdown signal")
		cancel()
	}()

	d := daemon.New(
		daemon.Config{
			SnapshotInterval: snapshotInterval,
			EvaluateInterval: evaluateInterval,
		},
		c.collector, c.tracker, c.enforcer, c.executor, c.logger,
	)

	if err := d.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	ctx := context.Background()
	asOf := time.Now()

	snapshotInterval, err := c.cfg.SnapshotInterval()
	if err != nil {
		return err
	}
	snapshot, err := c.collector.Collect(ctx, snapshotInterval.Seconds())
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	if err := c.tracker.ReportSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("session update failed: %w", err)
	}

	actions, err := c.enforcer.Evaluate(ctx, asOf)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	if len(actions) == 0 {
		fmt.Println("No actions required.")
		return nil
	}
	for _, action := range actions {
		switch action.Type {
		case domain.ActionWarn:
			fmt.Printf("warn %s: %s\n", action.Username, action.Content)
		case domain.ActionKill:
			fmt.Printf("kill %s: session %d pids %v\n", action.Username, action.SessionID, action.PIDs)
		}
	}
	c.executor.Execute(ctx, actions)
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	policy, err := config.LoadPolicy(args[0])
	if err != nil {
		return err
	}
	if err := policy.Apply(context.Background(), c.store); err != nil {
		return fmt.Errorf("failed to apply policy: %w", err)
	}

	fmt.Printf("Loaded %d windows, %d groups, %d programs into %s\n",
		len(policy.Windows), len(policy.Groups), len(policy.Programs), c.store.Path())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	quota := usecase.NewQuotaAggregator(c.store, c.logger)
	reporter := usecase.NewStatusReporter(c.store, quota, c.logger)

	report, err := reporter.Report(context.Background(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to build status: %w", err)
	}
	if len(report) == 0 {
		fmt.Println("No usage recorded yet.")
		return nil
	}

	usernames := make([]string, 0, len(report))
	for username := range report {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	for _, username := range usernames {
		fmt.Printf("\n%s:\n", username)
		for _, status := range report[username] {
			remaining := "unlimited"
			if status.MinutesRemainingToday != domain.MinutesUnlimited {
				remaining = fmt.Sprintf("%d min left", status.MinutesRemainingToday)
			}
			fmt.Printf("  %-20s %6.1f min today  (%s)\n",
				status.Group, status.MinutesUsedToday, remaining)
		}
	}
	return nil
}

func runMessage(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	id, err := c.store.CreateMessage(context.Background(), domain.OneTimeMessage{
		Username: args[0],
		Content:  args[1],
		Created:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}
	fmt.Printf("Queued message %d for %s\n", id, args[0])
	return nil
}

func runBonus(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()
	ctx := context.Background()

	minutes := 0
	if _, err := fmt.Sscanf(args[1], "%d", &minutes); err != nil || minutes <= 0 {
		return fmt.Errorf("minutes must be a positive integer, got %q", args[1])
	}

	effective := time.Now()
	if bonusDate != "" {
		effective, err = time.ParseInLocation("2006-01-02", bonusDate, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
	}

	groups, err := c.store.ProgramGroups(ctx)
	if err != nil {
		return err
	}
	var group *domain.ProgramGroup
	for i := range groups {
		if groups[i].Name == args[0] {
			group = &groups[i]
			break
		}
	}
	if group == nil {
		return fmt.Errorf("unknown group %q", args[0])
	}

	id, err := c.store.CreateBonus(ctx, domain.ProgramGroupBonus{
		GroupID:       group.ID,
		AmountMinutes: minutes,
		Creator:       c.cfg.Daemon.Username,
		Message:       bonusMessage,
		Effective:     effective,
		Created:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to grant bonus: %w", err)
	}
	fmt.Printf("Granted bonus %d: %d extra minutes for %s on %s\n",
		id, minutes, group.Name, effective.Format("2006-01-02"))
	return nil
}

func createLogger(cfg *config.Config) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if cfg.Logging.Path != "" {
		zapCfg.OutputPaths = []string{cfg.Logging.Path}
		zapCfg.ErrorOutputPaths = []string{cfg.Logging.Path}
	}
	if level, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	zapCfg.EncoderConfig.TimeKey = "time"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("timekeeperd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
