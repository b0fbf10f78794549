package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/locorum/locikernel/internal/store"
)

// nowMS is the SQL expression for the current unix time in milliseconds.
const nowMS = `(CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER))`

// Options controls how the store file is opened.
type Options struct {
	Path        string
	NoCreate    bool          // fail instead of creating a missing file
	BusyTimeout time.Duration // defaults to 3s
}

// DB implements store.Store on a SQLite file (modernc.org/sqlite driver,
// CGO-free). Several processes open the same file; SQLite provides the
// cross-process locking.
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ store.Store = (*DB)(nil)

func dsn(opts Options) (string, error) {
	p := strings.TrimSpace(opts.Path)
	if p == "" {
		return "", errors.New("empty sqlite path")
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 3 * time.Second
	}
	q := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
	}
	if p != ":memory:" {
		q = append(q, "_pragma=journal_mode(TRUNCATE)")
	}
	return p + "?" + strings.Join(q, "&"), nil
}

// Open opens the store at opts.Path.
func Open(ctx context.Context, opts Options) (*DB, error) {
	d, err := dsn(opts)
	if err != nil {
		return nil, err
	}
	if opts.NoCreate && opts.Path != ":memory:" {
		if _, err := os.Stat(opts.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}
	db, err := sql.Open("sqlite", d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if opts.Path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &DB{db: db, path: opts.Path, now: time.Now}, nil
}

// New opens path with default options.
func New(path string) (*DB, error) { return Open(context.Background(), Options{Path: path}) }

// SetClock replaces the time source used for written timestamps.
func (s *DB) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *DB) Path() string { return s.path }

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) nowMillis() int64 { return s.now().UnixMilli() }

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes(
			exe_file TEXT NOT NULL,
			pid INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_pid ON processes(pid);`,
		`CREATE TABLE IF NOT EXISTS launch_req(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			req_id TEXT,
			exe_file TEXT NOT NULL,
			cwd TEXT,
			json_env TEXT,
			json_args TEXT,
			ts INTEGER NOT NULL DEFAULT ` + nowMS + `
		);`,
		`CREATE TABLE IF NOT EXISTS app_events(
			name TEXT NOT NULL,
			ts INTEGER NOT NULL DEFAULT ` + nowMS + `,
			invalid_after_ts INTEGER NOT NULL DEFAULT 8000
		);`,
		`CREATE INDEX IF NOT EXISTS idx_app_events_ts ON app_events(ts);`,
		`CREATE TABLE IF NOT EXISTS pos_reps(
			id TEXT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			src_tags TEXT,
			ts INTEGER NOT NULL DEFAULT ` + nowMS + `
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pos_reps_ts ON pos_reps(ts);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Register inserts (exe, pid) unless the same pair is already present.
func (s *DB) Register(ctx context.Context, exe string, pid int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO processes(exe_file, pid)
		SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM processes WHERE exe_file = ? AND pid = ?)`,
		exe, pid, exe, pid)
	return err
}

// Unregister removes every row for (exe, pid).
func (s *DB) Unregister(ctx context.Context, exe string, pid int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE exe_file = ? AND pid = ?`, exe, pid)
	return err
}

// SweepUnknown deletes rows whose pid is not in good. An empty good set is a
// no-op so a transiently empty supervisor never wipes the table.
func (s *DB) SweepUnknown(ctx context.Context, good []int) (int64, error) {
	if len(good) == 0 {
		return 0, nil
	}
	ph := make([]string, len(good))
	args := make([]any, len(good))
	for i, pid := range good {
		ph[i] = "?"
		args[i] = pid
	}
	// #nosec G202 -- placeholders only
	res, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE pid NOT IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) ListProcesses(ctx context.Context) ([]store.ProcessRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT exe_file, pid FROM processes ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.ProcessRow
	for rows.Next() {
		var r store.ProcessRow
		if err := rows.Scan(&r.ExeFile, &r.PID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) EnqueueLaunch(ctx context.Context, req store.LaunchRequest) (store.LaunchRequest, error) {
	if req.At.IsZero() {
		req.At = s.now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO launch_req(req_id, exe_file, cwd, json_env, json_args, ts) VALUES(?, ?, ?, ?, ?, ?)`,
		req.ReqID, req.ExeFile, req.Cwd, req.JSONEnv, req.JSONArgs, req.At.UnixMilli())
	if err != nil {
		return req, err
	}
	req.ID, err = res.LastInsertId()
	return req, err
}

// DequeueLaunch claims and removes up to limit requests in enqueue order. The
// claim is one DELETE ... RETURNING statement, so a request is handed out at
// most once even with several readers.
func (s *DB) DequeueLaunch(ctx context.Context, limit int) ([]store.LaunchRequest, error) {
	if limit <= 0 {
		limit = store.LaunchBatch
	}
	rows, err := s.db.QueryContext(ctx, `DELETE FROM launch_req
		WHERE id IN (SELECT id FROM launch_req ORDER BY id LIMIT ?)
		RETURNING id, req_id, exe_file, cwd, json_env, json_args, ts`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.LaunchRequest
	for rows.Next() {
		var (
			r                        store.LaunchRequest
			reqID, cwd, env, argsCol sql.NullString
			ts                       sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &reqID, &r.ExeFile, &cwd, &env, &argsCol, &ts); err != nil {
			return nil, err
		}
		r.ReqID, r.Cwd, r.JSONEnv, r.JSONArgs = reqID.String, cwd.String, env.String, argsCol.String
		if ts.Valid {
			r.At = time.UnixMilli(ts.Int64)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *DB) AppendEvent(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_events(name, ts, invalid_after_ts) VALUES(?, ?, ?)`,
		name, s.nowMillis(), store.DefaultEventTTL.Milliseconds())
	return err
}

// RecentEvents returns events newer than window, newest first.
func (s *DB) RecentEvents(ctx context.Context, window time.Duration, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	since := s.nowMillis() - window.Milliseconds()
	rows, err := s.db.QueryContext(ctx, `SELECT name, ts FROM app_events WHERE ts >= ? ORDER BY ts DESC, rowid DESC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Event
	for rows.Next() {
		var (
			e  store.Event
			ts int64
		)
		if err := rows.Scan(&e.Name, &ts); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DB) HasRecentEvent(ctx context.Context, name string, window time.Duration) (bool, error) {
	var n int
	since := s.nowMillis() - window.Milliseconds()
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM app_events WHERE name = ? AND ts >= ?`, name, since).Scan(&n)
	return n > 0, err
}

func (s *DB) InsertPosition(ctx context.Context, r store.PositionReport) error {
	if r.At.IsZero() {
		r.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO pos_reps(id, lat, lon, src_tags, ts) VALUES(?, ?, ?, ?, ?)`,
		r.ID, r.Lat, r.Lon, r.SrcTags, r.At.UnixMilli())
	return err
}

// RecentPositions returns the newest reports first.
func (s *DB) RecentPositions(ctx context.Context, limit int) ([]store.PositionReport, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, lat, lon, src_tags, ts FROM pos_reps ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.PositionReport
	for rows.Next() {
		var (
			r    store.PositionReport
			tags sql.NullString
			ts   int64
		)
		if err := rows.Scan(&r.ID, &r.Lat, &r.Lon, &tags, &ts); err != nil {
			return nil, err
		}
		r.SrcTags = tags.String
		r.At = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Trim drops expired events and position reports.
func (s *DB) Trim(ctx context.Context) error {
	now := s.nowMillis()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_events WHERE ts + invalid_after_ts < ?`, now); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pos_reps WHERE ts < ?`, now-store.PositionTTL.Milliseconds()); err != nil {
		return fmt.Errorf("trim positions: %w", err)
	}
	return nil
}
