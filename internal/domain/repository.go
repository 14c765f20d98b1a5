package domain

import (
	"context"
	"time"
)

// Store is the persistence boundary for the tracker, the quota aggregator
// and the enforcer. Each call is expected to be atomic; failures propagate
// to the caller, which retries the whole operation on its next cycle.
// Implementation: SQLite via database/sql in internal/infra.
type Store interface {
	// --- configuration (written by seeding, read by everything) ---

	// CreateProgramGroup inserts a group, including its limit and window
	// reference. Window schedules must already exist.
	CreateProgramGroup(ctx context.Context, g ProgramGroup) (int64, error)

	// ProgramGroups returns every group with its limit and window hydrated.
	ProgramGroups(ctx context.Context) ([]ProgramGroup, error)

	// CreateProgram inserts a program and its process match rules.
	CreateProgram(ctx context.Context, p Program) (int64, error)

	// Programs returns every program with process rules hydrated.
	Programs(ctx context.Context) ([]Program, error)

	// ProgramByName returns the program named name, or ErrNotFound.
	ProgramByName(ctx context.Context, name string) (Program, error)

	// CreateWindowWeek inserts a validated window schedule with its spans.
	CreateWindowWeek(ctx context.Context, w WindowWeek) (int64, error)

	// ResetConfig drops all groups, programs, process rules and windows.
	// Sessions, messages and bonuses survive a reseed.
	ResetConfig(ctx context.Context) error

	// --- bonuses ---

	CreateBonus(ctx context.Context, b ProgramGroupBonus) (int64, error)

	// BonusesEffectiveOn returns the bonuses a group may spend on the day
	// containing the given moment.
	BonusesEffectiveOn(ctx context.Context, groupID int64, day time.Time) ([]ProgramGroupBonus, error)

	// --- sessions (tracker is the only writer) ---

	// EnsureOpenSession finds the open session for the key and refreshes its
	// PID set, or creates one starting at start. The search and the insert
	// run in one transaction so two near-simultaneous snapshots cannot both
	// open a session for the same key.
	EnsureOpenSession(ctx context.Context, programID int64, hostname, username string, pids []int, start time.Time) (ProgramSession, bool, error)

	// OpenSessions returns every session with no end, across all keys.
	OpenSessions(ctx context.Context) ([]ProgramSession, error)

	// OpenSessionsFor returns the open sessions for one (hostname, username).
	OpenSessionsFor(ctx context.Context, hostname, username string) ([]ProgramSession, error)

	// CloseSession sets end on a session if it is still open; closing an
	// already-closed session is a no-op.
	CloseSession(ctx context.Context, id int64, end time.Time) error

	// SessionsSince returns sessions that started on/after since, plus any
	// still-open session regardless of start, optionally filtered to a set
	// of programs (nil = all) and a username ("" = all).
	SessionsSince(ctx context.Context, since time.Time, programIDs []int64, username string) ([]ProgramSession, error)

	// Usernames returns every username that has ever had a session.
	Usernames(ctx context.Context) ([]string, error)

	// --- one-time messages (enforcer marks sent) ---

	CreateMessage(ctx context.Context, m OneTimeMessage) (int64, error)

	// UnsentMessages returns the pending messages for a user.
	UnsentMessages(ctx context.Context, username string) ([]OneTimeMessage, error)

	// MarkMessageSent stamps a message delivered; a message already stamped
	// stays at its original timestamp.
	MarkMessageSent(ctx context.Context, id int64, hostname string, at time.Time) error

	// Close releases the underlying database handle.
	Close() error
}

// ProcessInfo describes one OS process as the collector sees it.
type ProcessInfo struct {
	PID     int
	Name    string
	Cmdline string
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// Snapshot lists the processes currently running.
	Snapshot() ([]ProcessInfo, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool
}

// Notifier surfaces warn actions to the user's desktop.
type Notifier interface {
	Notify(username, title, body string) error
}

// KeyProvider supplies the database encryption key.
type KeyProvider interface {
	GetKey() ([]byte, error)
	StoreKey(key []byte) error
	KeyExists() bool
}
