package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// fakeStore is an in-memory domain.Store shared by the tracker, quota and
// enforcer tests. When failWith is set every call returns it, for exercising
// the propagate-and-retry error path.
type fakeStore struct {
	mu       sync.Mutex
	groups   []domain.ProgramGroup
	programs []domain.Program
	sessions []domain.ProgramSession
	messages []domain.OneTimeMessage
	bonuses  []domain.ProgramGroupBonus
	nextID   int64
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) CreateProgramGroup(ctx context.Context, g domain.ProgramGroup) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	g.ID = f.id()
	f.groups = append(f.groups, g)
	return g.ID, nil
}

func (f *fakeStore) ProgramGroups(ctx context.Context) ([]domain.ProgramGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return append([]domain.ProgramGroup(nil), f.groups...), nil
}

func (f *fakeStore) CreateProgram(ctx context.Context, p domain.Program) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	p.ID = f.id()
	f.programs = append(f.programs, p)
	return p.ID, nil
}

func (f *fakeStore) Programs(ctx context.Context) ([]domain.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return append([]domain.Program(nil), f.programs...), nil
}

func (f *fakeStore) ProgramByName(ctx context.Context, name string) (domain.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.Program{}, f.failWith
	}
	for _, p := range f.programs {
		if p.Name == name {
			return p, nil
		}
	}
	return domain.Program{}, domain.ErrNotFound
}

func (f *fakeStore) CreateWindowWeek(ctx context.Context, w domain.WindowWeek) (int64, error) {
	return f.id(), nil
}

func (f *fakeStore) ResetConfig(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = nil
	f.programs = nil
	return nil
}

func (f *fakeStore) CreateBonus(ctx context.Context, b domain.ProgramGroupBonus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	b.ID = f.id()
	f.bonuses = append(f.bonuses, b)
	return b.ID, nil
}

func (f *fakeStore) BonusesEffectiveOn(ctx context.Context, groupID int64, day time.Time) ([]domain.ProgramGroupBonus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.ProgramGroupBonus
	y, m, d := day.Date()
	for _, b := range f.bonuses {
		by, bm, bd := b.Effective.Date()
		if b.GroupID == groupID && by == y && bm == m && bd == d {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) EnsureOpenSession(ctx context.Context, programID int64, hostname, username string, pids []int, start time.Time) (domain.ProgramSession, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.ProgramSession{}, false, f.failWith
	}
	for i, s := range f.sessions {
		if s.Open() && s.ProgramID == programID && s.Hostname == hostname && s.Username == username {
			f.sessions[i].PIDs = append([]int(nil), pids...)
			return f.sessions[i], false, nil
		}
	}
	session := domain.ProgramSession{
		ID:        f.id(),
		ProgramID: programID,
		Hostname:  hostname,
		Username:  username,
		Start:     start,
		PIDs:      append([]int(nil), pids...),
	}
	f.sessions = append(f.sessions, session)
	return session, true, nil
}

func (f *fakeStore) OpenSessions(ctx context.Context) ([]domain.ProgramSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.ProgramSession
	for _, s := range f.sessions {
		if s.Open() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) OpenSessionsFor(ctx context.Context, hostname, username string) ([]domain.ProgramSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.ProgramSession
	for _, s := range f.sessions {
		if s.Open() && s.Hostname == hostname && s.Username == username {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) CloseSession(ctx context.Context, id int64, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	for i, s := range f.sessions {
		if s.ID == id && s.Open() {
			e := end
			f.sessions[i].End = &e
		}
	}
	return nil
}

func (f *fakeStore) SessionsSince(ctx context.Context, since time.Time, programIDs []int64, username string) ([]domain.ProgramSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	wantProgram := func(id int64) bool {
		if programIDs == nil {
			return true
		}
		for _, p := range programIDs {
			if p == id {
				return true
			}
		}
		return false
	}
	var out []domain.ProgramSession
	for _, s := range f.sessions {
		if !wantProgram(s.ProgramID) {
			continue
		}
		if username != "" && s.Username != username {
			continue
		}
		if s.Start.Before(since) && !s.Open() {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) Usernames(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range f.sessions {
		if !seen[s.Username] {
			seen[s.Username] = true
			out = append(out, s.Username)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, m domain.OneTimeMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	m.ID = f.id()
	f.messages = append(f.messages, m)
	return m.ID, nil
}

func (f *fakeStore) UnsentMessages(ctx context.Context, username string) ([]domain.OneTimeMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.OneTimeMessage
	for _, m := range f.messages {
		if m.Username == username && m.Sent == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkMessageSent(ctx context.Context, id int64, hostname string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	for i, m := range f.messages {
		if m.ID == id && m.Sent == nil {
			sent := at
			f.messages[i].Sent = &sent
			f.messages[i].Hostname = hostname
		}
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

var _ domain.Store = (*fakeStore)(nil)

// --- helpers shared by the usecase tests ---

func (f *fakeStore) addGroup(g domain.ProgramGroup) domain.ProgramGroup {
	id, _ := f.CreateProgramGroup(context.Background(), g)
	g.ID = id
	return g
}

func (f *fakeStore) addProgram(name string, groupID int64) domain.Program {
	p := domain.Program{Name: name, GroupID: groupID}
	id, _ := f.CreateProgram(context.Background(), p)
	p.ID = id
	return p
}

func (f *fakeStore) addClosedSession(programID int64, hostname, username string, start, end time.Time) domain.ProgramSession {
	s, _, _ := f.EnsureOpenSession(context.Background(), programID, hostname, username, nil, start)
	_ = f.CloseSession(context.Background(), s.ID, end)
	s.End = &end
	return s
}

func (f *fakeStore) openSessionCountFor(programID int64, hostname, username string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.Open() && s.ProgramID == programID && s.Hostname == hostname && s.Username == username {
			n++
		}
	}
	return n
}
