// Package history keeps a local SQLite log of finished runs.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    kind            TEXT NOT NULL,
    token           TEXT,
    started_at      INTEGER NOT NULL,
    ended_at        INTEGER,
    files           INTEGER NOT NULL,
    total_bytes     INTEGER NOT NULL,
    sent_bytes      INTEGER NOT NULL,
    initial_eta_ms  INTEGER NOT NULL,
    final_eta_ms    INTEGER NOT NULL,
    outcome         TEXT NOT NULL,
    code            TEXT NOT NULL,
    reason          TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Kind is the transfer mode of a run.
type Kind string

const (
	KindFile Kind = "file"
	KindText Kind = "text"
)

// Run is one finished run.
type Run struct {
	ID         string
	Kind       Kind
	Token      string
	StartedAt  time.Time
	EndedAt    time.Time
	Files      int
	TotalBytes int64
	SentBytes  int64
	InitialETA time.Duration
	FinalETA   time.Duration
	Outcome    job.Stage
	Code       fault.Code
	Reason     string
}

// FromSnapshot builds a Run from a job's final state and the error the
// run returned.
func FromSnapshot(kind Kind, token string, s job.Snapshot, err error) Run {
	return Run{
		Kind:       kind,
		Token:      token,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		Files:      s.Files,
		TotalBytes: s.TotalBytes,
		SentBytes:  s.SentBytes,
		InitialETA: s.InitialETA,
		FinalETA:   s.ETA,
		Outcome:    s.Stage,
		Code:       fault.Classify(err),
		Reason:     s.Reason,
	}
}

// Store is the run history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("history: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores r, assigning an id if it has none, and returns the id.
func (s *Store) Record(r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Code == "" {
		r.Code = fault.CodeOK
	}

	var ended sql.NullInt64
	if !r.EndedAt.IsZero() {
		ended = sql.NullInt64{Int64: r.EndedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (id, kind, token, started_at, ended_at, files, total_bytes, sent_bytes, initial_eta_ms, final_eta_ms, outcome, code, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.Token, r.StartedAt.UnixMilli(), ended, r.Files, r.TotalBytes, r.SentBytes,
		r.InitialETA.Milliseconds(), r.FinalETA.Milliseconds(), r.Outcome.String(), string(r.Code), r.Reason,
	)
	if err != nil {
		return "", fmt.Errorf("history: insert run: %w", err)
	}
	return r.ID, nil
}

// List returns up to n runs, newest first. n <= 0 returns all runs.
func (s *Store) List(n int) ([]Run, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.Query(`
		SELECT id, kind, token, started_at, ended_at, files, total_bytes, sent_bytes, initial_eta_ms, final_eta_ms, outcome, code, reason
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}
	return runs, nil
}

// Get returns the run with id.
func (s *Store) Get(id string) (Run, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, token, started_at, ended_at, files, total_bytes, sent_bytes, initial_eta_ms, final_eta_ms, outcome, code, reason
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("history: run %s not found", id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                  Run
		kind, outcome      string
		code               string
		token, reason      sql.NullString
		started            int64
		ended              sql.NullInt64
		initialMs, finalMs int64
	)
	err := sc.Scan(&r.ID, &kind, &token, &started, &ended, &r.Files, &r.TotalBytes, &r.SentBytes,
		&initialMs, &finalMs, &outcome, &code, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("history: scan run: %w", err)
	}

	r.Kind = Kind(kind)
	r.Token = token.String
	r.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		r.EndedAt = time.UnixMilli(ended.Int64)
	}
	r.InitialETA = time.Duration(initialMs) * time.Millisecond
	r.FinalETA = time.Duration(finalMs) * time.Millisecond
	r.Outcome = parseStage(outcome)
	r.Code = fault.Code(code)
	r.Reason = reason.String
	return r, nil
}

func parseStage(name string) job.Stage {
	for s := job.StagePrepare; s <= job.StageError; s++ {
		if s.String() == name {
			return s
		}
	}
	return job.StageError
}
