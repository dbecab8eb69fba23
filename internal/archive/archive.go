// Package archive records retired work responses in SQLite for the admin
// API. It is operator history only; in-flight work is never persisted.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/unmeshed/go-sdk/model"

	_ "modernc.org/sqlite"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS step_results (
    id                 TEXT PRIMARY KEY,
    step_id            INTEGER NOT NULL,
    process_id         INTEGER NOT NULL,
    step_execution_id  INTEGER NOT NULL,
    run_count          INTEGER NOT NULL,
    status             TEXT NOT NULL,
    outcome            TEXT NOT NULL,
    attempts           INTEGER NOT NULL,
    output             TEXT,
    started_at         INTEGER NOT NULL,
    retired_at         DATETIME NOT NULL
)`

// Result is one archived row.
type Result struct {
	ID              string         `json:"id"`
	StepID          int64          `json:"step_id"`
	ProcessID       int64          `json:"process_id"`
	StepExecutionID int64          `json:"step_execution_id"`
	RunCount        int32          `json:"run_count"`
	Status          string         `json:"status"`
	Outcome         string         `json:"outcome"`
	Attempts        int            `json:"attempts"`
	Output          map[string]any `json:"output,omitempty"`
	StartedAt       int64          `json:"started_at"`
	RetiredAt       time.Time      `json:"retired_at"`
}

// Stats holds aggregate archive statistics.
type Stats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
}

// Archive persists retired responses to SQLite.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the SQLite database at dbPath and runs migrations.
func Open(dbPath string, logger *slog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createResultsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create step_results table: %w", err)
	}

	return &Archive{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record implements the submitter's Recorder: it inserts one retired
// response. Failures are logged, never propagated; archiving must not affect
// submission.
func (a *Archive) Record(response *model.WorkResponse, outcome string, attempts int) {
	output, err := json.Marshal(response.Output)
	if err != nil {
		output = nil
	}
	_, err = a.db.Exec(
		`INSERT INTO step_results (
			id, step_id, process_id, step_execution_id, run_count,
			status, outcome, attempts, output, started_at, retired_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.NewID(), response.StepID, response.ProcessID, response.StepExecutionID,
		response.RunCount, response.Status, outcome, attempts, string(output),
		response.StartedAt, time.Now().UTC(),
	)
	if err != nil {
		a.logger.Error("archive step result", "step_execution_id", response.StepExecutionID, "error", err)
	}
}

// List returns archived results ordered by retirement time, newest first.
func (a *Archive) List(ctx context.Context, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, step_id, process_id, step_execution_id, run_count,
			status, outcome, attempts, output, started_at, retired_at
		FROM step_results ORDER BY retired_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var output sql.NullString
		if err := rows.Scan(
			&r.ID, &r.StepID, &r.ProcessID, &r.StepExecutionID, &r.RunCount,
			&r.Status, &r.Outcome, &r.Attempts, &output, &r.StartedAt, &r.RetiredAt,
		); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &r.Output); err != nil {
				r.Output = nil
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetStats aggregates counts by status and outcome.
func (a *Archive) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByStatus:  make(map[string]int),
		CountByOutcome: make(map[string]int),
	}

	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM step_results").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count step results: %w", err)
	}

	rows, err := a.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM step_results GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	outcomeRows, err := a.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM step_results GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer outcomeRows.Close()
	for outcomeRows.Next() {
		var outcome string
		var count int
		if err := outcomeRows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		stats.CountByOutcome[outcome] = count
	}
	return stats, outcomeRows.Err()
}
