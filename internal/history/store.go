// Package history persists analysis and deployment runs to SQLite so
// past outcomes and applied fixes stay auditable.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/matijazezelj/stackmend/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    stack         TEXT NOT NULL,
    command       TEXT NOT NULL,
    outcome       TEXT DEFAULT 'running',
    findings      INTEGER DEFAULT 0,
    fixes_applied INTEGER DEFAULT 0,
    started_at    DATETIME NOT NULL,
    finished_at   DATETIME
);

CREATE TABLE IF NOT EXISTS attempts (
    run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    number        INTEGER NOT NULL,
    outcome       TEXT NOT NULL,
    template_body TEXT NOT NULL,
    failures      TEXT,
    started_at    DATETIME NOT NULL,
    finished_at   DATETIME NOT NULL,
    PRIMARY KEY (run_id, number)
);

CREATE TABLE IF NOT EXISTS provenance (
    run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    attempt        INTEGER NOT NULL,
    fix_id         TEXT NOT NULL,
    op             TEXT NOT NULL,
    logical_id     TEXT,
    path           TEXT,
    original_value TEXT,
    new_value      TEXT,
    confidence     REAL NOT NULL,
    rationale      TEXT,
    superseded     INTEGER DEFAULT 0,
    applied_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_stack ON runs(stack);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_provenance_run ON provenance(run_id);
`

// Run is one recorded invocation, covering pure analysis as well as
// full deployment loops.
type Run struct {
	ID           string     `json:"id"`
	Stack        string     `json:"stack"`
	Command      string     `json:"command"`
	Outcome      string     `json:"outcome"`
	Findings     int        `json:"findings"`
	FixesApplied int        `json:"fixes_applied"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Store is the SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return &Store{db: db}, nil
}

// Init creates the database schema if it doesn't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a running record for the invocation.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, stack, command, started_at) VALUES (?, ?, ?, ?)
	`, run.ID, run.Stack, run.Command, run.StartedAt.UTC().Format(time.RFC3339))
	return err
}

// FinishRun stamps the run with its terminal outcome and counts.
func (s *Store) FinishRun(ctx context.Context, id, outcome string, findings, fixesApplied int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET outcome = ?, findings = ?, fixes_applied = ?, finished_at = ? WHERE id = ?
	`, outcome, findings, fixesApplied, now, id)
	return err
}

// RecordAttempt stores one deployment attempt plus the provenance of
// every fix it applied.
func (s *Store) RecordAttempt(ctx context.Context, runID string, a models.DeploymentAttempt) error {
	failures, err := json.Marshal(a.Failures)
	if err != nil {
		return fmt.Errorf("marshaling failures: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (run_id, number, outcome, template_body, failures, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, a.Number, string(a.Outcome), a.TemplateBody, string(failures),
		a.StartedAt.UTC().Format(time.RFC3339), a.FinishedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}

	for _, p := range a.FixesApplied {
		orig, err := json.Marshal(p.OriginalValue)
		if err != nil {
			return fmt.Errorf("marshaling original value: %w", err)
		}
		repl, err := json.Marshal(p.NewValue)
		if err != nil {
			return fmt.Errorf("marshaling new value: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO provenance (run_id, attempt, fix_id, op, logical_id, path, original_value, new_value, confidence, rationale, superseded, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, a.Number, p.FixID, string(p.Op), p.Location.LogicalID, p.Location.Path, string(orig), string(repl),
			p.Confidence, p.Rationale, p.Superseded, p.AppliedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun returns one run, or nil when the id is unknown.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stack, command, outcome, findings, fixes_applied, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the most recent runs, up to limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stack, command, outcome, findings, fixes_applied, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row interface{ Scan(dest ...any) error }) (*Run, error) {
	var r Run
	var startedAt string
	var finishedAt sql.NullString

	if err := row.Scan(&r.ID, &r.Stack, &r.Command, &r.Outcome, &r.Findings, &r.FixesApplied, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}

// ListAttempts returns a run's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]models.DeploymentAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, outcome, template_body, failures, started_at, finished_at
		FROM attempts WHERE run_id = ? ORDER BY number
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var attempts []models.DeploymentAttempt
	for rows.Next() {
		var a models.DeploymentAttempt
		var outcome, failures, startedAt, finishedAt string
		if err := rows.Scan(&a.Number, &outcome, &a.TemplateBody, &failures, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		a.Outcome = models.Outcome(outcome)
		if failures != "" {
			_ = json.Unmarshal([]byte(failures), &a.Failures)
		}
		a.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		a.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)

		a.FixesApplied, err = s.listProvenance(ctx, runID, a.Number)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *Store) listProvenance(ctx context.Context, runID string, attempt int) ([]models.ProvenanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fix_id, op, logical_id, path, original_value, new_value, confidence, rationale, superseded, applied_at
		FROM provenance WHERE run_id = ? AND attempt = ? ORDER BY applied_at, fix_id
	`, runID, attempt)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var records []models.ProvenanceRecord
	for rows.Next() {
		var p models.ProvenanceRecord
		var op, appliedAt string
		var orig, repl sql.NullString
		if err := rows.Scan(&p.FixID, &op, &p.Location.LogicalID, &p.Location.Path, &orig, &repl, &p.Confidence, &p.Rationale, &p.Superseded, &appliedAt); err != nil {
			return nil, err
		}
		p.Op = models.EditOp(op)
		if orig.Valid {
			_ = json.Unmarshal([]byte(orig.String), &p.OriginalValue)
		}
		if repl.Valid {
			_ = json.Unmarshal([]byte(repl.String), &p.NewValue)
		}
		p.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
		records = append(records, p)
	}
	return records, rows.Err()
}
