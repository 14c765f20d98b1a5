// Package infra implements infrastructure concerns (storage, process,
// notification).
package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

// SQLStore implements domain.Store over a SQLite database. With a key it is
// a SQLCipher-encrypted file; without one it is plain SQLite.
type SQLStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLStore opens (or creates) the database at path. A non-empty key is
// used as the SQLCipher passphrase via PRAGMA key.
func NewSQLStore(path string, key []byte) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := path
	if len(key) == keySize {
		// Raw 256-bit key, passed in SQLCipher's hex form.
		dsn = fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
			path, hex.EncodeToString(key))
	} else if len(key) > 0 {
		// Passphrase, run through SQLCipher's key derivation.
		dsn = fmt.Sprintf("%s?_pragma_key=%s&_pragma_cipher_page_size=4096",
			path, url.QueryEscape(string(key)))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLStore{db: db, dbPath: path}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SQLStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS window_week (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS window_week_day_span (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		window_week INTEGER NOT NULL REFERENCES window_week(id),
		day INTEGER NOT NULL,
		start_minutes INTEGER NOT NULL,
		end_minutes INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS program_group (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		daily_minutes INTEGER NOT NULL DEFAULT 0,
		weekly_minutes INTEGER NOT NULL DEFAULT 0,
		monthly_minutes INTEGER NOT NULL DEFAULT 0,
		window_week INTEGER REFERENCES window_week(id)
	);

	CREATE TABLE IF NOT EXISTS program (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		program_group INTEGER NOT NULL REFERENCES program_group(id)
	);

	CREATE TABLE IF NOT EXISTS program_process (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		program INTEGER NOT NULL REFERENCES program(id)
	);

	CREATE TABLE IF NOT EXISTS program_session (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		program INTEGER NOT NULL REFERENCES program(id),
		hostname TEXT NOT NULL,
		username TEXT NOT NULL,
		start INTEGER NOT NULL,
		end INTEGER,
		pids TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_session_open
		ON program_session(program, hostname, username) WHERE end IS NULL;
	CREATE INDEX IF NOT EXISTS idx_session_start ON program_session(start);

	CREATE TABLE IF NOT EXISTS one_time_message (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL,
		created INTEGER NOT NULL,
		sent INTEGER
	);

	CREATE TABLE IF NOT EXISTS program_group_bonus (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		program_group INTEGER NOT NULL REFERENCES program_group(id),
		amount_minutes INTEGER NOT NULL,
		creator TEXT NOT NULL,
		message TEXT NOT NULL,
		effective INTEGER NOT NULL,
		created INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- configuration ---

// CreateWindowWeek inserts a window schedule after validating it.
func (s *SQLStore) CreateWindowWeek(ctx context.Context, w domain.WindowWeek) (int64, error) {
	if err := w.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO window_week (name) VALUES (?)`, w.Name)
	if err != nil {
		return 0, fmt.Errorf("insert window week %q: %w", w.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, day := range w.Days {
		for _, span := range day.Spans {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO window_week_day_span (window_week, day, start_minutes, end_minutes) VALUES (?, ?, ?, ?)`,
				id, day.Day, span.Start, span.End)
			if err != nil {
				return 0, fmt.Errorf("insert span for window %q day %d: %w", w.Name, day.Day, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// windowWeeks loads every window schedule with its spans, keyed by id.
func (s *SQLStore) windowWeeks(ctx context.Context) (map[int64]*domain.WindowWeek, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM window_week`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	windows := make(map[int64]*domain.WindowWeek)
	for rows.Next() {
		w := &domain.WindowWeek{}
		if err := rows.Scan(&w.ID, &w.Name); err != nil {
			return nil, err
		}
		for i := range w.Days {
			w.Days[i].Day = i + 1
		}
		windows[w.ID] = w
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	spanRows, err := s.db.QueryContext(ctx,
		`SELECT window_week, day, start_minutes, end_minutes, id FROM window_week_day_span ORDER BY start_minutes`)
	if err != nil {
		return nil, err
	}
	defer spanRows.Close()

	for spanRows.Next() {
		var windowID int64
		var day int
		var span domain.WindowWeekDaySpan
		if err := spanRows.Scan(&windowID, &day, &span.Start, &span.End, &span.ID); err != nil {
			return nil, err
		}
		w, ok := windows[windowID]
		if !ok || day < 1 || day > 7 {
			continue
		}
		w.Days[day-1].Spans = append(w.Days[day-1].Spans, span)
	}
	return windows, spanRows.Err()
}

// CreateProgramGroup inserts a group with its limit and window reference.
func (s *SQLStore) CreateProgramGroup(ctx context.Context, g domain.ProgramGroup) (int64, error) {
	var daily, weekly, monthly int
	if g.Limit != nil {
		daily, weekly, monthly = g.Limit.DailyMinutes, g.Limit.WeeklyMinutes, g.Limit.MonthlyMinutes
	}
	var windowID interface{}
	if g.Window != nil {
		windowID = g.Window.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO program_group (name, daily_minutes, weekly_minutes, monthly_minutes, window_week) VALUES (?, ?, ?, ?, ?)`,
		g.Name, daily, weekly, monthly, windowID)
	if err != nil {
		return 0, fmt.Errorf("insert program group %q: %w", g.Name, err)
	}
	return res.LastInsertId()
}

// ProgramGroups returns every group with limit and window hydrated.
// All-zero caps scan back as a nil Limit, matching the 0-means-no-cap
// convention.
func (s *SQLStore) ProgramGroups(ctx context.Context) ([]domain.ProgramGroup, error) {
	windows, err := s.windowWeeks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load window weeks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, daily_minutes, weekly_minutes, monthly_minutes, window_week FROM program_group ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.ProgramGroup
	for rows.Next() {
		var g domain.ProgramGroup
		var limit domain.Limit
		var windowID sql.NullInt64
		if err := rows.Scan(&g.ID, &g.Name, &limit.DailyMinutes, &limit.WeeklyMinutes, &limit.MonthlyMinutes, &windowID); err != nil {
			return nil, err
		}
		if !limit.Unrestricted() {
			g.Limit = &limit
		}
		if windowID.Valid {
			g.Window = windows[windowID.Int64]
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CreateProgram inserts a program and its process match rules.
func (s *SQLStore) CreateProgram(ctx context.Context, p domain.Program) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO program (name, program_group) VALUES (?, ?)`, p.Name, p.GroupID)
	if err != nil {
		return 0, fmt.Errorf("insert program %q: %w", p.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, proc := range p.Processes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO program_process (name, program) VALUES (?, ?)`, proc.Name, id); err != nil {
			return 0, fmt.Errorf("insert process rule %q: %w", proc.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Programs returns every program with its process rules hydrated.
func (s *SQLStore) Programs(ctx context.Context) ([]domain.Program, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, program_group FROM program ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var programs []domain.Program
	index := make(map[int64]int)
	for rows.Next() {
		var p domain.Program
		if err := rows.Scan(&p.ID, &p.Name, &p.GroupID); err != nil {
			return nil, err
		}
		index[p.ID] = len(programs)
		programs = append(programs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	procRows, err := s.db.QueryContext(ctx, `SELECT id, name, program FROM program_process ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer procRows.Close()

	for procRows.Next() {
		var proc domain.ProgramProcess
		if err := procRows.Scan(&proc.ID, &proc.Name, &proc.ProgramID); err != nil {
			return nil, err
		}
		if i, ok := index[proc.ProgramID]; ok {
			programs[i].Processes = append(programs[i].Processes, proc)
		}
	}
	return programs, procRows.Err()
}

// ProgramByName returns the program named name, or domain.ErrNotFound.
func (s *SQLStore) ProgramByName(ctx context.Context, name string) (domain.Program, error) {
	var p domain.Program
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, program_group FROM program WHERE name = ?`, name).
		Scan(&p.ID, &p.Name, &p.GroupID)
	if err == sql.ErrNoRows {
		return domain.Program{}, fmt.Errorf("program %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Program{}, err
	}
	return p, nil
}

// ResetConfig drops all configuration. Sessions, messages and bonuses stay.
func (s *SQLStore) ResetConfig(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"program_process", "program", "program_group", "window_week_day_span", "window_week"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// --- bonuses ---

// CreateBonus records an admin-granted bonus.
func (s *SQLStore) CreateBonus(ctx context.Context, b domain.ProgramGroupBonus) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO program_group_bonus (program_group, amount_minutes, creator, message, effective, created) VALUES (?, ?, ?, ?, ?, ?)`,
		b.GroupID, b.AmountMinutes, b.Creator, b.Message, dayKey(b.Effective), b.Created.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert bonus for group %d: %w", b.GroupID, err)
	}
	return res.LastInsertId()
}

// BonusesEffectiveOn returns the bonuses spendable on the day containing day.
func (s *SQLStore) BonusesEffectiveOn(ctx context.Context, groupID int64, day time.Time) ([]domain.ProgramGroupBonus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, program_group, amount_minutes, creator, message, effective, created
		 FROM program_group_bonus WHERE program_group = ? AND effective = ?`,
		groupID, dayKey(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bonuses []domain.ProgramGroupBonus
	for rows.Next() {
		var b domain.ProgramGroupBonus
		var effective, created int64
		if err := rows.Scan(&b.ID, &b.GroupID, &b.AmountMinutes, &b.Creator, &b.Message, &effective, &created); err != nil {
			return nil, err
		}
		b.Effective = time.Unix(effective, 0)
		b.Created = time.Unix(created, 0)
		bonuses = append(bonuses, b)
	}
	return bonuses, rows.Err()
}

// dayKey collapses a moment to its local midnight unix timestamp, so bonus
// effective dates compare by calendar day.
func dayKey(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).Unix()
}

// --- sessions ---

const sessionColumns = `id, program, hostname, username, start, end, pids`

func scanSession(scan func(...interface{}) error) (domain.ProgramSession, error) {
	var session domain.ProgramSession
	var start int64
	var end sql.NullInt64
	var pids string
	if err := scan(&session.ID, &session.ProgramID, &session.Hostname, &session.Username, &start, &end, &pids); err != nil {
		return domain.ProgramSession{}, err
	}
	session.Start = time.Unix(start, 0)
	if end.Valid {
		t := time.Unix(end.Int64, 0)
		session.End = &t
	}
	session.PIDs = parsePIDs(pids)
	return session, nil
}

// EnsureOpenSession finds-or-creates the open session for the key inside one
// transaction, so two near-simultaneous snapshots cannot both insert.
func (s *SQLStore) EnsureOpenSession(ctx context.Context, programID int64, hostname, username string, pids []int, start time.Time) (domain.ProgramSession, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgramSession{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM program_session
		 WHERE program = ? AND hostname = ? AND username = ? AND end IS NULL`,
		programID, hostname, username)
	session, err := scanSession(row.Scan)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO program_session (program, hostname, username, start, end, pids) VALUES (?, ?, ?, ?, NULL, ?)`,
			programID, hostname, username, start.Unix(), formatPIDs(pids))
		if err != nil {
			return domain.ProgramSession{}, false, fmt.Errorf("insert session: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.ProgramSession{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ProgramSession{}, false, err
		}
		return domain.ProgramSession{
			ID:        id,
			ProgramID: programID,
			Hostname:  hostname,
			Username:  username,
			Start:     time.Unix(start.Unix(), 0),
			PIDs:      append([]int(nil), pids...),
		}, true, nil

	case err != nil:
		return domain.ProgramSession{}, false, err

	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE program_session SET pids = ? WHERE id = ?`, formatPIDs(pids), session.ID); err != nil {
			return domain.ProgramSession{}, false, fmt.Errorf("refresh session %d: %w", session.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return domain.ProgramSession{}, false, err
		}
		session.PIDs = append([]int(nil), pids...)
		return session, false, nil
	}
}

// OpenSessions returns every session with no end.
func (s *SQLStore) OpenSessions(ctx context.Context) ([]domain.ProgramSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM program_session WHERE end IS NULL ORDER BY id`)
}

// OpenSessionsFor returns the open sessions for one (hostname, username).
func (s *SQLStore) OpenSessionsFor(ctx context.Context, hostname, username string) ([]domain.ProgramSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM program_session WHERE end IS NULL AND hostname = ? AND username = ? ORDER BY id`,
		hostname, username)
}

// CloseSession stamps end on a still-open session; a closed session is left
// untouched.
func (s *SQLStore) CloseSession(ctx context.Context, id int64, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE program_session SET end = ? WHERE id = ? AND end IS NULL`, end.Unix(), id)
	return err
}

// SessionsSince returns sessions starting on/after since plus any open
// session, optionally narrowed to programs and a username.
func (s *SQLStore) SessionsSince(ctx context.Context, since time.Time, programIDs []int64, username string) ([]domain.ProgramSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM program_session WHERE (start >= ? OR end IS NULL)`
	args := []interface{}{since.Unix()}

	if programIDs != nil {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(programIDs)), ",")
		query += ` AND program IN (` + placeholders + `)`
		for _, id := range programIDs {
			args = append(args, id)
		}
	}
	if username != "" {
		query += ` AND username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY start`

	return s.querySessions(ctx, query, args...)
}

func (s *SQLStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]domain.ProgramSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.ProgramSession
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Usernames returns every username that has ever had a session.
func (s *SQLStore) Usernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT username FROM program_session ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		usernames = append(usernames, u)
	}
	return usernames, rows.Err()
}

// --- one-time messages ---

// CreateMessage queues a message for a user.
func (s *SQLStore) CreateMessage(ctx context.Context, m domain.OneTimeMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO one_time_message (content, hostname, username, created, sent) VALUES (?, ?, ?, ?, NULL)`,
		m.Content, m.Hostname, m.Username, m.Created.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert message for %q: %w", m.Username, err)
	}
	return res.LastInsertId()
}

// UnsentMessages returns the pending messages for a user, oldest first.
func (s *SQLStore) UnsentMessages(ctx context.Context, username string) ([]domain.OneTimeMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, hostname, username, created, sent FROM one_time_message
		 WHERE username = ? AND sent IS NULL ORDER BY created`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.OneTimeMessage
	for rows.Next() {
		var m domain.OneTimeMessage
		var created int64
		var sent sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Content, &m.Hostname, &m.Username, &created, &sent); err != nil {
			return nil, err
		}
		m.Created = time.Unix(created, 0)
		if sent.Valid {
			t := time.Unix(sent.Int64, 0)
			m.Sent = &t
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkMessageSent stamps a message delivered; already-stamped messages keep
// their original timestamp.
func (s *SQLStore) MarkMessageSent(ctx context.Context, id int64, hostname string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE one_time_message SET sent = ?, hostname = ? WHERE id = ? AND sent IS NULL`,
		at.Unix(), hostname, id)
	return err
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path (for the status command).
func (s *SQLStore) Path() string {
	return s.dbPath
}

// formatPIDs serializes a PID set as sorted CSV.
func formatPIDs(pids []int) string {
	sorted := append([]int(nil), pids...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, pid := range sorted {
		parts[i] = strconv.Itoa(pid)
	}
	return strings.Join(parts, ",")
}

// parsePIDs is the inverse of formatPIDs; garbage entries are dropped.
func parsePIDs(csv string) []int {
	if csv == "" {
		return nil
	}
	var pids []int
	for _, part := range strings.Split(csv, ",") {
		pid, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// Ensure SQLStore implements domain.Store.
var _ domain.Store = (*SQLStore)(nil)
