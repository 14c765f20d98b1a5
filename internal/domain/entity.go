// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// Limit holds the quota ceilings for a program group, in minutes.
// A ceiling of 0 means "no cap for that period"; this convention is applied
// consistently everywhere a cap is read.
type Limit struct {
	DailyMinutes   int
	WeeklyMinutes  int
	MonthlyMinutes int
}

// Unrestricted reports whether no period carries a cap.
func (l Limit) Unrestricted() bool {
	return l.DailyMinutes == 0 && l.WeeklyMinutes == 0 && l.MonthlyMinutes == 0
}

// ProgramGroup is the policy bucket quotas and windows attach to.
// A group with a nil Limit and a nil Window is unrestricted.
type ProgramGroup struct {
	ID     int64
	Name   string
	Limit  *Limit      // nil = no quota restriction
	Window *WindowWeek // nil = no window restriction
}

// Unrestricted reports whether the group carries no policy at all.
func (g ProgramGroup) Unrestricted() bool {
	return (g.Limit == nil || g.Limit.Unrestricted()) && g.Window == nil
}

// Program is a tracked program. It belongs to exactly one group and owns
// the process match rules the snapshot collector uses.
type Program struct {
	ID        int64
	Name      string
	GroupID   int64
	Processes []ProgramProcess
}

// ProgramProcess is a process-name substring that maps an OS process to
// its program. Matching happens in the collector, not in the core.
type ProgramProcess struct {
	ID        int64
	Name      string
	ProgramID int64
}

// ProgramSession is one continuous interval a program was observed running
// for a (program, hostname, username) key. End nil means the session is open.
// At most one open session may exist per key at any time.
type ProgramSession struct {
	ID        int64
	ProgramID int64
	Hostname  string
	Username  string
	Start     time.Time
	End       *time.Time
	PIDs      []int
}

// Open reports whether the session is still in progress.
func (s ProgramSession) Open() bool {
	return s.End == nil
}

// EndOr returns the session end, or asOf for a session still open.
func (s ProgramSession) EndOr(asOf time.Time) time.Time {
	if s.End != nil {
		return *s.End
	}
	return asOf
}

// OneTimeMessage is queued for a user and delivered by the enforcement pass
// exactly once. Sent nil means not yet delivered.
type OneTimeMessage struct {
	ID       int64
	Content  string
	Hostname string // host that delivered it, set on send
	Username string
	Created  time.Time
	Sent     *time.Time
}

// ProgramGroupBonus grants extra minutes to a group's daily cap for a single
// day. Granted by an admin, honored during quota evaluation.
type ProgramGroupBonus struct {
	ID            int64
	GroupID       int64
	AmountMinutes int
	Creator       string
	Message       string
	Effective     time.Time // date the bonus applies to, midnight local
	Created       time.Time
}

// ActionType tags what the executor should do with an action.
type ActionType string

const (
	ActionWarn ActionType = "warn"
	ActionKill ActionType = "kill"
)

// Action is the ephemeral outcome of one enforcement evaluation. Actions are
// produced fresh every cycle and never persisted.
type Action struct {
	Type      ActionType
	Username  string
	Content   string // warn text
	SessionID int64  // session backing a kill
	PIDs      []int  // processes backing a kill
}

// Snapshot is one periodic report from a host: which PIDs were running
// which tracked programs for a user.
type Snapshot struct {
	Hostname       string
	Username       string
	ElapsedSeconds float64
	PIDToProgram   map[int]string
}

// GroupUsage is the minutes a group consumed in each rolling period as of
// some instant. Values are unrounded; display rounds to one decimal and
// enforcement truncates to whole minutes.
type GroupUsage struct {
	MinutesToday     float64
	MinutesThisWeek  float64
	MinutesThisMonth float64
}

// Rounded returns the usage rounded to one decimal place for display.
func (u GroupUsage) Rounded() GroupUsage {
	round1 := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		return float64(int64(v*10+0.5)) / 10
	}
	return GroupUsage{
		MinutesToday:     round1(u.MinutesToday),
		MinutesThisWeek:  round1(u.MinutesThisWeek),
		MinutesThisMonth: round1(u.MinutesThisMonth),
	}
}

// GroupStatus is one user's standing against one group, for display.
type GroupStatus struct {
	Group                 string
	Username              string
	MinutesUsedToday      float64
	MinutesRemainingToday int
}
