// internal/storage/postgres/client.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbarrio/fanout/internal/config"
	"github.com/mbarrio/fanout/internal/models"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// Client is the run history store: runs and their per-task results, kept
// for the status API and post-hoc inspection.
type Client struct {
	db *sql.DB
}

// NewClient connects to PostgreSQL and verifies the connection.
func NewClient(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// Migrate creates the history tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			task_file  TEXT NOT NULL,
			workers    INTEGER NOT NULL,
			status     TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time   TIMESTAMPTZ,
			completed  INTEGER NOT NULL DEFAULT 0,
			failed     INTEGER NOT NULL DEFAULT 0,
			cancelled  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_results (
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			task_id     INTEGER NOT NULL,
			task_num    INTEGER NOT NULL,
			command     TEXT NOT NULL,
			state       TEXT NOT NULL,
			return_code INTEGER NOT NULL,
			hostname    TEXT NOT NULL DEFAULT '',
			elapsed_ms  BIGINT NOT NULL DEFAULT 0,
			retries     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, task_id)
		)`,
	}

	for _, query := range queries {
		if _, err := c.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a new run record.
func (c *Client) CreateRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (id, task_file, workers, status, start_time)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := c.db.ExecContext(ctx, query,
		run.ID,
		run.TaskFile,
		run.Workers,
		run.Status,
		run.StartTime,
	)
	return err
}

// CompleteRun records a run's final status, end time and state tallies.
func (c *Client) CompleteRun(ctx context.Context, run *models.Run) error {
	query := `
		UPDATE runs
		SET status = $1, end_time = $2, completed = $3, failed = $4, cancelled = $5
		WHERE id = $6`

	result, err := c.db.ExecContext(ctx, query,
		run.Status,
		run.EndTime,
		run.Completed,
		run.Failed,
		run.Cancelled,
		run.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTaskResult upserts a task's latest terminal record; retries of the
// same task overwrite the previous attempt.
func (c *Client) RecordTaskResult(ctx context.Context, result *models.TaskResult) error {
	query := `
		INSERT INTO task_results
		(run_id, task_id, task_num, command, state, return_code, hostname, elapsed_ms, retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, task_id) DO UPDATE
		SET state = EXCLUDED.state,
			return_code = EXCLUDED.return_code,
			hostname = EXCLUDED.hostname,
			elapsed_ms = EXCLUDED.elapsed_ms,
			retries = EXCLUDED.retries`

	_, err := c.db.ExecContext(ctx, query,
		result.RunID,
		result.TaskID,
		result.TaskNum,
		result.Command,
		result.State,
		result.ReturnCode,
		result.Hostname,
		result.Elapsed.Milliseconds(),
		result.Retries,
	)
	return err
}

// GetRun loads a single run record.
func (c *Client) GetRun(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT id, task_file, workers, status, start_time, end_time, completed, failed, cancelled
		FROM runs
		WHERE id = $1`

	var run models.Run
	var endTime sql.NullTime

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.TaskFile,
		&run.Workers,
		&run.Status,
		&run.StartTime,
		&endTime,
		&run.Completed,
		&run.Failed,
		&run.Cancelled,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if endTime.Valid {
		run.EndTime = &endTime.Time
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	query := `
		SELECT id, task_file, workers, status, start_time, end_time, completed, failed, cancelled
		FROM runs
		ORDER BY start_time DESC
		LIMIT $1`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var endTime sql.NullTime
		if err := rows.Scan(
			&run.ID,
			&run.TaskFile,
			&run.Workers,
			&run.Status,
			&run.StartTime,
			&endTime,
			&run.Completed,
			&run.Failed,
			&run.Cancelled,
		); err != nil {
			return nil, err
		}
		if endTime.Valid {
			run.EndTime = &endTime.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRunTasks returns the recorded task results of a run in task order.
func (c *Client) GetRunTasks(ctx context.Context, runID string) ([]models.TaskResult, error) {
	query := `
		SELECT run_id, task_id, task_num, command, state, return_code, hostname, elapsed_ms, retries
		FROM task_results
		WHERE run_id = $1
		ORDER BY task_id`

	rows, err := c.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.TaskResult
	for rows.Next() {
		var r models.TaskResult
		var elapsedMs int64
		if err := rows.Scan(
			&r.RunID,
			&r.TaskID,
			&r.TaskNum,
			&r.Command,
			&r.State,
			&r.ReturnCode,
			&r.Hostname,
			&elapsedMs,
			&r.Retries,
		); err != nil {
			return nil, err
		}
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}
