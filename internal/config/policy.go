package config

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// Policy is the declarative seed file: window schedules, program groups and
// program process rules.
type Policy struct {
	Windows  map[string]PolicyWindow `yaml:"windows"`
	Groups   map[string]PolicyGroup  `yaml:"groups"`
	Programs map[string]PolicyProg   `yaml:"programs"`
}

// PolicyWindow maps weekday names to span lists in "HHMM-HHMM" form, e.g.
// "0700-1600".
type PolicyWindow struct {
	Monday    []string `yaml:"monday"`
	Tuesday   []string `yaml:"tuesday"`
	Wednesday []string `yaml:"wednesday"`
	Thursday  []string `yaml:"thursday"`
	Friday    []string `yaml:"friday"`
	Saturday  []string `yaml:"saturday"`
	Sunday    []string `yaml:"sunday"`
}

// PolicyGroup declares a group's caps and optional window. Zero or omitted
// caps mean no cap on that period.
type PolicyGroup struct {
	DailyMinutes   int    `yaml:"daily_minutes"`
	WeeklyMinutes  int    `yaml:"weekly_minutes"`
	MonthlyMinutes int    `yaml:"monthly_minutes"`
	Window         string `yaml:"window"`
}

// PolicyProg declares a program with its process match rules.
type PolicyProg struct {
	Group     string   `yaml:"group"`
	Processes []string `yaml:"processes"`
}

// LoadPolicy parses a policy seed file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks cross references and span syntax before anything touches
// the store.
func (p *Policy) Validate() error {
	for name, window := range p.Windows {
		for _, spans := range window.daySpans() {
			for _, span := range spans {
				if _, err := ParseSpan(span); err != nil {
					return fmt.Errorf("window %q: %w", name, err)
				}
			}
		}
	}
	for name, group := range p.Groups {
		if group.DailyMinutes < 0 || group.WeeklyMinutes < 0 || group.MonthlyMinutes < 0 {
			return fmt.Errorf("group %q: negative cap", name)
		}
		if group.Window != "" {
			if _, ok := p.Windows[group.Window]; !ok {
				return fmt.Errorf("group %q references unknown window %q", name, group.Window)
			}
		}
	}
	for name, program := range p.Programs {
		if program.Group == "" {
			return fmt.Errorf("program %q has no group", name)
		}
		if _, ok := p.Groups[program.Group]; !ok {
			return fmt.Errorf("program %q references unknown group %q", name, program.Group)
		}
		if len(program.Processes) == 0 {
			return fmt.Errorf("program %q has no process rules", name)
		}
	}
	return nil
}

// Apply replaces the store's configuration with this policy. Sessions,
// messages and bonuses are untouched.
func (p *Policy) Apply(ctx context.Context, store domain.Store) error {
	if err := store.ResetConfig(ctx); err != nil {
		return fmt.Errorf("reset config: %w", err)
	}

	windowIDs := make(map[string]int64, len(p.Windows))
	for name, window := range p.Windows {
		week, err := window.toWindowWeek(name)
		if err != nil {
			return err
		}
		id, err := store.CreateWindowWeek(ctx, week)
		if err != nil {
			return fmt.Errorf("create window %q: %w", name, err)
		}
		windowIDs[name] = id
	}

	groupIDs := make(map[string]int64, len(p.Groups))
	for name, group := range p.Groups {
		g := domain.ProgramGroup{Name: name}
		if group.DailyMinutes > 0 || group.WeeklyMinutes > 0 || group.MonthlyMinutes > 0 {
			g.Limit = &domain.Limit{
				DailyMinutes:   group.DailyMinutes,
				WeeklyMinutes:  group.WeeklyMinutes,
				MonthlyMinutes: group.MonthlyMinutes,
			}
		}
		if group.Window != "" {
			g.Window = &domain.WindowWeek{ID: windowIDs[group.Window]}
		}
		id, err := store.CreateProgramGroup(ctx, g)
		if err != nil {
			return fmt.Errorf("create group %q: %w", name, err)
		}
		groupIDs[name] = id
	}

	for name, program := range p.Programs {
		prog := domain.Program{Name: name, GroupID: groupIDs[program.Group]}
		for _, rule := range program.Processes {
			prog.Processes = append(prog.Processes, domain.ProgramProcess{Name: rule})
		}
		if _, err := store.CreateProgram(ctx, prog); err != nil {
			return fmt.Errorf("create program %q: %w", name, err)
		}
	}
	return nil
}

// daySpans returns the raw span strings indexed by ISO weekday minus one.
func (w PolicyWindow) daySpans() [7][]string {
	return [7][]string{
		w.Monday, w.Tuesday, w.Wednesday, w.Thursday, w.Friday, w.Saturday, w.Sunday,
	}
}

func (w PolicyWindow) toWindowWeek(name string) (domain.WindowWeek, error) {
	week := domain.WindowWeek{Name: name}
	for i, spans := range w.daySpans() {
		week.Days[i].Day = i + 1
		for _, raw := range spans {
			span, err := ParseSpan(raw)
			if err != nil {
				return domain.WindowWeek{}, fmt.Errorf("window %q: %w", name, err)
			}
			week.Days[i].Spans = append(week.Days[i].Spans, span)
		}
	}
	return week, nil
}

// ParseSpan parses "HHMM-HHMM" into a day span, e.g. "0700-1600".
func ParseSpan(raw string) (domain.WindowWeekDaySpan, error) {
	if len(raw) != 9 || raw[4] != '-' {
		return domain.WindowWeekDaySpan{}, fmt.Errorf("span %q: %w", raw, domain.ErrMalformedSchedule)
	}
	start, err := parseClock(raw[:4])
	if err != nil {
		return domain.WindowWeekDaySpan{}, fmt.Errorf("span %q: %w", raw, domain.ErrMalformedSchedule)
	}
	end, err := parseClock(raw[5:])
	if err != nil {
		return domain.WindowWeekDaySpan{}, fmt.Errorf("span %q: %w", raw, domain.ErrMalformedSchedule)
	}
	span := domain.WindowWeekDaySpan{Start: start, End: end}
	if err := span.Validate(); err != nil {
		return domain.WindowWeekDaySpan{}, fmt.Errorf("span %q: %w", raw, err)
	}
	return span, nil
}

// parseClock converts "HHMM" to minutes since midnight. "2400" is accepted
// as end-of-day.
func parseClock(raw string) (int, error) {
	hours, err := strconv.Atoi(raw[:2])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.Atoi(raw[2:])
	if err != nil {
		return 0, err
	}
	if hours < 0 || hours > 24 || minutes < 0 || minutes > 59 || (hours == 24 && minutes != 0) {
		return 0, fmt.Errorf("clock %q out of range", raw)
	}
	return hours*60 + minutes, nil
}
