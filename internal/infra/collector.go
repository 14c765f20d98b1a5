package infra

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// SnapshotCollector builds process snapshots for the tracker by matching
// running processes against the configured program process rules.
type SnapshotCollector struct {
	store     domain.Store
	processes domain.ProcessManager
	hostname  string
	username  string
	logger    *zap.Logger
}

// NewSnapshotCollector creates a collector for one (hostname, username).
func NewSnapshotCollector(store domain.Store, processes domain.ProcessManager, hostname, username string, logger *zap.Logger) *SnapshotCollector {
	return &SnapshotCollector{
		store:     store,
		processes: processes,
		hostname:  hostname,
		username:  username,
		logger:    logger,
	}
}

// Collect scans running processes and returns a snapshot mapping each
// matching PID to its program name. elapsedSeconds is the wall time since
// the previous successful snapshot.
func (c *SnapshotCollector) Collect(ctx context.Context, elapsedSeconds float64) (domain.Snapshot, error) {
	programs, err := c.store.Programs(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load programs: %w", err)
	}

	procs, err := c.processes.Snapshot()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("scan processes: %w", err)
	}

	pidToProgram := make(map[int]string)
	for _, proc := range procs {
		program, ok := matchProgram(programs, proc)
		if !ok {
			continue
		}
		pidToProgram[proc.PID] = program
	}

	c.logger.Debug("collected snapshot",
		zap.String("hostname", c.hostname),
		zap.String("username", c.username),
		zap.Int("processes", len(procs)),
		zap.Int("matched", len(pidToProgram)))

	return domain.Snapshot{
		Hostname:       c.hostname,
		Username:       c.username,
		ElapsedSeconds: elapsedSeconds,
		PIDToProgram:   pidToProgram,
	}, nil
}

// matchProgram returns the first program with a process rule contained in
// the process name or command line. Rules are stored lowercase.
func matchProgram(programs []domain.Program, proc domain.ProcessInfo) (string, bool) {
	for _, program := range programs {
		for _, rule := range program.Processes {
			pattern := strings.ToLower(rule.Name)
			if pattern == "" {
				continue
			}
			if strings.Contains(proc.Name, pattern) || strings.Contains(proc.Cmdline, pattern) {
				return program.Name, true
			}
		}
	}
	return "", false
}
