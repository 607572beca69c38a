package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/polarfoxDev/anchor/internal/model"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run id has no record
var ErrRunNotFound = errors.New("run not found")

type DB struct {
	db *sql.DB
}

func InitDB(dbPath string) (*DB, error) {
	// Retry logic for handling concurrent initialization (cron daemon and API opening the same file)
	var db *sql.DB
	var err error
	maxRetries := 5
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		db, err = sql.Open("sqlite", dbPath)
		if err != nil {
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to open database after %d attempts: %w", maxRetries, err)
			}
			continue
		}

		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Minute * 5)

		pragmas := []string{
			"PRAGMA busy_timeout = 10000", // must come first
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA synchronous = NORMAL",
		}

		pragmaFailed := false
		for _, pragma := range pragmas {
			if _, err = db.Exec(pragma); err != nil {
				db.Close()
				if attempt == maxRetries-1 {
					return nil, fmt.Errorf("failed to set pragma %q after %d attempts: %w", pragma, maxRetries, err)
				}
				pragmaFailed = true
				break
			}
		}
		if pragmaFailed {
			continue
		}

		if err = createSchema(db); err != nil {
			db.Close()
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to create schema after %d attempts: %w", maxRetries, err)
			}
			continue
		}

		return &DB{db: db}, nil
	}

	return nil, fmt.Errorf("failed to initialize database after %d attempts: %w", maxRetries, err)
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS backup_runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		bytes_uploaded INTEGER DEFAULT 0,
		remote_path TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_backup_runs_status ON backup_runs(status);
	CREATE INDEX IF NOT EXISTS idx_backup_runs_started_at ON backup_runs(started_at);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		run_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
	CREATE INDEX IF NOT EXISTS idx_logs_run_id ON logs(run_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// GetDB returns the underlying *sql.DB for use by other packages (e.g., logger)
func (d *DB) GetDB() *sql.DB {
	return d.db
}

// CleanupInterruptedRuns marks runs left in progress by a killed process as aborted
func (d *DB) CleanupInterruptedRuns(ctx context.Context) (int, error) {
	now := time.Now()
	result, err := d.db.ExecContext(ctx,
		`UPDATE backup_runs SET status = ?, completed_at = ?, updated_at = ? WHERE status = ?`,
		model.StatusAborted, now, now, model.StatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup interrupted runs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

// StartRun inserts a new in-progress record for the given run
func (d *DB) StartRun(ctx context.Context, run model.BackupRun) error {
	now := time.Now()
	_, err := d.db.ExecContext(ctx, `
	INSERT INTO backup_runs (id, name, kind, stage, status, remote_path, started_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Kind, model.StageIdle, model.StatusInProgress, run.RemotePath, run.StartedAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", run.ID, err)
	}
	return nil
}

// RecordSkipped stores a run that never started because the lock was held
func (d *DB) RecordSkipped(ctx context.Context, id, reason string) error {
	now := time.Now()
	_, err := d.db.ExecContext(ctx, `
	INSERT INTO backup_runs (id, name, kind, stage, status, error, started_at, completed_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "", "", model.StageIdle, model.StatusSkipped, reason, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record skipped run: %w", err)
	}
	return nil
}

// UpdateStage records the stage a run has reached
func (d *DB) UpdateStage(ctx context.Context, id string, stage model.Stage) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE backup_runs SET stage = ?, updated_at = ? WHERE id = ?`,
		stage, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage for run %s: %w", id, err)
	}
	return nil
}

// FinishRun stores the final status of a run. A failed run keeps the stage it failed in.
func (d *DB) FinishRun(ctx context.Context, id string, status model.RunStatus, bytesUploaded int64, runErr error) error {
	now := time.Now()
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
	UPDATE backup_runs SET
		status = ?,
		error = ?,
		bytes_uploaded = ?,
		completed_at = ?,
		updated_at = ?,
		stage = CASE WHEN ? = ? THEN ? ELSE stage END
	WHERE id = ?`,
		status, errText, bytesUploaded, now, now, status, model.StatusSuccess, model.StageDone, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	return nil
}

const runColumns = `id, name, kind, stage, status, COALESCE(error, ''), bytes_uploaded, COALESCE(remote_path, ''), started_at, completed_at, updated_at`

func scanRun(scanner interface{ Scan(...any) error }) (*model.RunRecord, error) {
	r := &model.RunRecord{}
	err := scanner.Scan(
		&r.ID, &r.Name, &r.Kind, &r.Stage, &r.Status, &r.Error,
		&r.BytesUploaded, &r.RemotePath, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRun retrieves a single run by id
func (d *DB) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backup_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first; limit <= 0 returns all
func (d *DB) ListRuns(ctx context.Context, limit int) ([]*model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM backup_runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	// Initialize as empty slice so JSON encodes as [] instead of null
	runs := make([]*model.RunRecord, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastSuccessfulRun returns the newest successful run, or nil when there is none
func (d *DB) LastSuccessfulRun(ctx context.Context) (*model.RunRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM backup_runs WHERE status = ? ORDER BY started_at DESC LIMIT 1`,
		model.StatusSuccess,
	)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return r, nil
}
