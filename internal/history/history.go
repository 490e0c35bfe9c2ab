// Package history stores test outcomes across runs in a sqlite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // sqlite wasm binary
	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/util"
)

// Run is one launcher invocation.
type Run struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Testsuites []string
	Total      int
	Failures   int
}

// Result is the outcome of one test in a run.
type Result struct {
	Classname  string
	Result     string
	Duration   time.Duration
	ReturnCode int
	Message    string
	Logfile    string
}

// FlakyTest is a test that both passed and failed in the recorded runs.
type FlakyTest struct {
	Classname string
	Passes    int
	Failures  int
	LastSeen  time.Time
}

// Store is the history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, gverrors.NewPathError("history database path cannot be empty")
	}
	if err := util.EnsureDirectory(filepath.Dir(path)); err != nil {
		return nil, gverrors.NewIOError("failed to create history directory", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, gverrors.NewIOError("failed to open history database", err)
	}
	// sqlite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, gverrors.NewIOError("failed to connect to history database", err)
	}
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, gverrors.NewIOError("failed to migrate history database", err)
	}

	logging.Debug("history database opened", zap.String("path", path))
	return &Store{db: db, path: path}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return gverrors.NewIOError(fmt.Sprintf("failed to set pragma %q", p), err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun inserts run and sets its ID.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (started_at, testsuites) VALUES (?, ?)",
		run.StartedAt.UnixMilli(), strings.Join(run.Testsuites, ","))
	if err != nil {
		return gverrors.NewIOError("failed to record run", err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return gverrors.NewIOError("failed to record run", err)
	}
	return nil
}

// FinishRun stores the totals of run.
func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, total = ?, failures = ? WHERE id = ?",
		run.FinishedAt.UnixMilli(), run.Total, run.Failures, run.ID)
	if err != nil {
		return gverrors.NewIOError("failed to finish run", err)
	}
	return nil
}

// RecordResult stores the outcome of a test of run runID.
func (s *Store) RecordResult(ctx context.Context, runID int64, r Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (run_id, classname, result, duration_ms, returncode, message, logfile, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Classname, r.Result, r.Duration.Milliseconds(), r.ReturnCode, r.Message, r.Logfile, time.Now().UnixMilli())
	if err != nil {
		return gverrors.NewIOError("failed to record result of "+r.Classname, err)
	}
	return nil
}

// LastDurations returns the duration of the latest recorded run of each of
// classnames. Tests never recorded are absent from the map.
func (s *Store) LastDurations(ctx context.Context, classnames []string) (map[string]time.Duration, error) {
	wanted := make(map[string]bool, len(classnames))
	for _, c := range classnames {
		wanted[c] = true
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.classname, r.duration_ms FROM results r
		JOIN (SELECT classname, MAX(id) AS id FROM results GROUP BY classname) latest ON latest.id = r.id`)
	if err != nil {
		return nil, gverrors.NewIOError("failed to query durations", err)
	}
	defer rows.Close()

	out := make(map[string]time.Duration)
	for rows.Next() {
		var (
			classname string
			ms        int64
		)
		if err := rows.Scan(&classname, &ms); err != nil {
			return nil, gverrors.NewIOError("failed to read durations", err)
		}
		if wanted[classname] {
			out[classname] = time.Duration(ms) * time.Millisecond
		}
	}
	return out, rows.Err()
}

// FlakyTests lists the tests with both successful and failing outcomes,
// the most failing first.
func (s *Store) FlakyTests(ctx context.Context, limit int) ([]FlakyTest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT classname,
			SUM(CASE WHEN result IN ('Passed', 'Known error') THEN 1 ELSE 0 END) AS passes,
			SUM(CASE WHEN result IN ('Failed', 'Timeout') THEN 1 ELSE 0 END) AS failures,
			MAX(recorded_at)
		FROM results
		GROUP BY classname
		HAVING passes > 0 AND failures > 0
		ORDER BY failures DESC, classname
		LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, gverrors.NewIOError("failed to query flaky tests", err)
	}
	defer rows.Close()

	var out []FlakyTest
	for rows.Next() {
		var (
			f    FlakyTest
			last int64
		)
		if err := rows.Scan(&f.Classname, &f.Passes, &f.Failures, &last); err != nil {
			return nil, gverrors.NewIOError("failed to read flaky tests", err)
		}
		f.LastSeen = time.UnixMilli(last)
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecentRuns lists the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, testsuites, total, failures
		FROM runs ORDER BY id DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, gverrors.NewIOError("failed to query runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r          Run
			started    int64
			finished   sql.NullInt64
			testsuites string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &testsuites, &r.Total, &r.Failures); err != nil {
			return nil, gverrors.NewIOError("failed to read runs", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		if testsuites != "" {
			r.Testsuites = strings.Split(testsuites, ",")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
