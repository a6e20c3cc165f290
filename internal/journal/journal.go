// Package journal records pool runs in SQLite: one row per run, one per
// worker process and one per message crossing a channel. It is an audit
// trail and never replays work.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/forkpool/internal/storage"
)

var ErrRunNotFound = errors.New("run not found")

// Directions of a logged message, seen from the coordinator.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the journal database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Run scopes journal writes to one pool run. It satisfies dispatch.Journal.
type Run struct {
	ID    string
	store *Store
}

// BeginRun inserts a new run row and returns its handle.
func (s *Store) BeginRun(ctx context.Context, configHash string, workers int) (*Run, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, config_hash, workers) VALUES (?, ?, ?, ?);`,
		id, now(), nullString(configHash), workers,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Run{ID: id, store: s}, nil
}

// Stop stamps the run's stopped_at.
func (r *Run) Stop(ctx context.Context) error {
	res, err := r.store.db.ExecContext(ctx, `UPDATE runs SET stopped_at = ? WHERE id = ?;`, now(), r.ID)
	if err != nil {
		return fmt.Errorf("stop run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.ID)
	}
	return nil
}

func (r *Run) RecordSpawn(ctx context.Context, pid int, at time.Time) error {
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO worker_runs (run_id, pid, spawned_at) VALUES (?, ?, ?)
ON CONFLICT (run_id, pid) DO UPDATE SET spawned_at = excluded.spawned_at;`,
		r.ID, pid, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record spawn pid=%d: %w", pid, err)
	}
	return nil
}

func (r *Run) RecordExit(ctx context.Context, pid int, code int, signal string, at time.Time) error {
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE worker_runs SET exited_at = ?, exit_code = ?, signal = ? WHERE run_id = ? AND pid = ?;`,
		at.UTC().Format(timeLayout), code, nullString(signal), r.ID, pid,
	)
	if err != nil {
		return fmt.Errorf("record exit pid=%d: %w", pid, err)
	}
	return nil
}

func (r *Run) RecordMessage(ctx context.Context, pid int, direction string, kind string, id int64, detail string) error {
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO message_log (run_id, pid, direction, kind, msg_id, detail, at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		r.ID, pid, direction, kind, id, nullString(detail), now(),
	)
	if err != nil {
		return fmt.Errorf("record message pid=%d: %w", pid, err)
	}
	return nil
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	ConfigHash string     `json:"config_hash,omitempty"`
	Workers    int        `json:"workers"`
	Exited     int        `json:"exited"`
	Abnormal   int        `json:"abnormal"`
	Messages   int        `json:"messages"`
}

const runSummarySelect = `
SELECT r.id, r.started_at, r.stopped_at, r.config_hash, r.workers,
  (SELECT COUNT(*) FROM worker_runs w WHERE w.run_id = r.id AND w.exited_at IS NOT NULL),
  (SELECT COUNT(*) FROM worker_runs w WHERE w.run_id = r.id AND w.exited_at IS NOT NULL
     AND (w.exit_code != 0 OR w.signal IS NOT NULL)),
  (SELECT COUNT(*) FROM message_log m WHERE m.run_id = r.id)
FROM runs r`

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, runSummarySelect+` ORDER BY r.started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		sum, err := scanRunSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sum)
	}
	return out, rows.Err()
}

// GetRun returns one run summary.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	row := s.db.QueryRowContext(ctx, runSummarySelect+` WHERE r.id = ?;`, runID)
	sum, err := scanRunSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return sum, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRunSummary(row scanner) (*RunSummary, error) {
	var (
		sum              RunSummary
		started          string
		stopped, cfgHash sql.NullString
	)
	if err := row.Scan(&sum.ID, &started, &stopped, &cfgHash, &sum.Workers, &sum.Exited, &sum.Abnormal, &sum.Messages); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	var err error
	if sum.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if sum.StoppedAt, err = parseNullTime(stopped); err != nil {
		return nil, err
	}
	sum.ConfigHash = cfgHash.String
	return &sum, nil
}

// WorkerRecord is one worker process of a run.
type WorkerRecord struct {
	PID       int        `json:"pid"`
	SpawnedAt time.Time  `json:"spawned_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Signal    string     `json:"signal,omitempty"`
}

// Workers lists a run's worker processes ordered by pid.
func (s *Store) Workers(ctx context.Context, runID string) ([]WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, spawned_at, exited_at, exit_code, signal FROM worker_runs WHERE run_id = ? ORDER BY pid;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRecord
	for rows.Next() {
		var (
			w       WorkerRecord
			spawned string
			exited  sql.NullString
			code    sql.NullInt64
			signal  sql.NullString
		)
		if err := rows.Scan(&w.PID, &spawned, &exited, &code, &signal); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if w.SpawnedAt, err = time.Parse(timeLayout, spawned); err != nil {
			return nil, fmt.Errorf("parse spawned_at: %w", err)
		}
		if w.ExitedAt, err = parseNullTime(exited); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			w.ExitCode = &c
		}
		w.Signal = signal.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// MessageCount aggregates the message log of a run.
type MessageCount struct {
	PID       int    `json:"pid"`
	Direction string `json:"direction"`
	Kind      string `json:"kind"`
	Count     int    `json:"count"`
}

// MessageCounts groups a run's logged messages by pid, direction and kind.
func (s *Store) MessageCounts(ctx context.Context, runID string) ([]MessageCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pid, direction, kind, COUNT(*) FROM message_log
WHERE run_id = ?
GROUP BY pid, direction, kind
ORDER BY pid, direction, kind;`, runID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	var out []MessageCount
	for rows.Next() {
		var c MessageCount
		if err := rows.Scan(&c.PID, &c.Direction, &c.Kind, &c.Count); err != nil {
			return nil, fmt.Errorf("scan message count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func now() string { return time.Now().UTC().Format(timeLayout) }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", v.String, err)
	}
	return &t, nil
}
