// Package history persists batch run summaries and per-request results
// in a local SQLite database so past runs can be inspected without
// digging through report files.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"cspflow/internal/batch"
)

// Store is the run history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL UNIQUE,
		run_timestamp TEXT NOT NULL,
		total_users INTEGER NOT NULL,
		successful INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_execution ON runs(execution_id);
	`

	resultsTable := `
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		user_email TEXT NOT NULL,
		new_role TEXT,
		new_branch TEXT,
		status TEXT NOT NULL,
		result_timestamp TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
	CREATE INDEX IF NOT EXISTS idx_results_user ON results(user_email);
	`

	for _, table := range []string{runsTable, resultsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("create history table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run with all its results.
func (s *Store) Record(executionID string, rep batch.Report) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO runs (execution_id, run_timestamp, total_users, successful, failed) VALUES (?, ?, ?, ?, ?)`,
		executionID, rep.Timestamp, rep.TotalUsers, rep.Successful, rep.Failed,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO results (run_id, seq, user_email, new_role, new_branch, status, result_timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare result insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range rep.Results {
		if _, err := stmt.Exec(runID, i, r.UserEmail, r.NewRole, r.NewBranch, r.Status, r.Timestamp); err != nil {
			return fmt.Errorf("insert result %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// RunSummary is one row of the run list.
type RunSummary struct {
	ID          int64
	ExecutionID string
	Timestamp   string
	TotalUsers  int
	Successful  int
	Failed      int
}

// Recent returns the most recent runs, newest first.
func (s *Store) Recent(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, execution_id, run_timestamp, total_users, successful, failed FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.Timestamp, &r.TotalUsers, &r.Successful, &r.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Results returns the stored results of one run in input order.
func (s *Store) Results(runID int64) ([]batch.RequestResult, error) {
	rows, err := s.db.Query(
		`SELECT seq, user_email, new_role, new_branch, status, result_timestamp FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []batch.RequestResult
	for rows.Next() {
		var r batch.RequestResult
		if err := rows.Scan(&r.Seq, &r.UserEmail, &r.NewRole, &r.NewBranch, &r.Status, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
