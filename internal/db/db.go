// Package db is the SQLite journal of psync runs. It records every run, the
// files each fetch copied and every mutation issued against the dataset
// service.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/psync/pkg/models"
)

// DB represents a database connection
type DB struct {
	*sql.DB
}

// New opens the journal at path, creating it if needed.
func New(path string) (*DB, error) {
	log.WithField("path", path).Debug("Opening journal")
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			command TEXT,
			dataset_id TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			status TEXT,
			error TEXT
		);
		CREATE TABLE IF NOT EXISTS operations (
			run_id TEXT,
			kind TEXT,
			filename TEXT,
			attachment_id TEXT,
			status TEXT,
			error TEXT,
			at DATETIME
		);
		CREATE TABLE IF NOT EXISTS fetched_files (
			run_id TEXT,
			remote_path TEXT,
			local_path TEXT,
			size INTEGER,
			fetched_at DATETIME,
			status TEXT,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_operations_run ON operations(run_id, kind, status);
		CREATE INDEX IF NOT EXISTS idx_fetched_run ON fetched_files(run_id, status);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// StartRun records the start of a command and returns the new run.
func (db *DB) StartRun(command, datasetID string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.New().String(),
		Command:   command,
		DatasetID: datasetID,
		StartedAt: time.Now().UTC(),
		Status:    models.RunStatusRunning,
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, command, dataset_id, started_at, status, error)
		VALUES (?, ?, ?, ?, ?, '')
	`, run.ID, run.Command, run.DatasetID, run.StartedAt, run.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return run, nil
}

// FinishRun marks run completed, or failed if runErr is set.
func (db *DB) FinishRun(run *models.Run, runErr error) error {
	run.FinishedAt = time.Now().UTC()
	run.Status = models.RunStatusCompleted
	if runErr != nil {
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	}

	_, err := db.Exec(`
		UPDATE runs
		SET finished_at = ?, status = ?, error = ?
		WHERE id = ?
	`, run.FinishedAt, run.Status, run.Error, run.ID)
	return err
}

// RecordOperation saves one mutation of run runID.
func (db *DB) RecordOperation(runID string, op models.Operation) error {
	_, err := db.Exec(`
		INSERT INTO operations (run_id, kind, filename, attachment_id, status, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, op.Kind, op.Filename, op.AttachmentID, op.Status, op.Error, op.At)
	return err
}

// RecordFetches saves the fetch records of run runID in a single transaction
func (db *DB) RecordFetches(runID string, records []models.FetchRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO fetched_files (run_id, remote_path, local_path, size, fetched_at, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, record := range records {
		_, err = stmt.Exec(
			runID,
			record.RemotePath,
			record.LocalPath,
			record.Size,
			record.FetchedAt,
			record.Status,
			record.LastError,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run by id
func (db *DB) GetRun(id string) (*models.Run, error) {
	rows, err := db.Query(runQuery+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return &runs[0], nil
}

// LastRuns returns the most recent runs, newest first.
func (db *DB) LastRuns(limit int) ([]models.Run, error) {
	rows, err := db.Query(runQuery+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

const runQuery = `
	SELECT id, command, dataset_id, started_at, finished_at, status, error
	FROM runs`

func scanRuns(rows *sql.Rows) ([]models.Run, error) {
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var finished sql.NullTime
		err := rows.Scan(&run.ID, &run.Command, &run.DatasetID, &run.StartedAt,
			&finished, &run.Status, &run.Error)
		if err != nil {
			return nil, err
		}
		run.FinishedAt = finished.Time
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetStats returns the operation counts of run runID
func (db *DB) GetStats(runID string) (*models.Stats, error) {
	var stats models.Stats
	err := db.QueryRow(`
		SELECT
			COUNT(*) as files_found,
			COUNT(CASE WHEN status = 'fetched' THEN 1 END) as files_fetched,
			COUNT(CASE WHEN status = 'failed' THEN 1 END) as fetch_failures,
			COALESCE(SUM(CASE WHEN status = 'fetched' THEN size ELSE 0 END), 0) as bytes_fetched
		FROM fetched_files
		WHERE run_id = ?
	`, runID).Scan(
		&stats.FilesFound,
		&stats.FilesFetched,
		&stats.FetchFailures,
		&stats.BytesFetched,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get fetch stats: %w", err)
	}

	rows, err := db.Query(`
		SELECT kind, status, COUNT(*)
		FROM operations
		WHERE run_id = ?
		GROUP BY kind, status
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, status string
		var n int64
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, err
		}
		addOperationCount(&stats, kind, status, n)
	}
	return &stats, rows.Err()
}

func addOperationCount(stats *models.Stats, kind, status string, n int64) {
	if status == models.OperationSkipped {
		stats.Skipped += n
		return
	}
	failed := status == models.OperationFailed

	switch kind {
	case models.OperationUpload:
		if failed {
			stats.UploadFailures += n
		} else {
			stats.Uploaded += n
		}
	case models.OperationDelete:
		if failed {
			stats.DeleteFailures += n
		} else {
			stats.Deleted += n
		}
	case models.OperationRelease:
		if failed {
			stats.ReleaseFailures += n
		} else {
			stats.Released += n
		}
	case models.OperationArchive:
		if failed {
			stats.ArchiveFailures += n
		} else {
			stats.Archived += n
		}
	}
}

// RunRecorder records operations against a single run.
type RunRecorder struct {
	db    *DB
	runID string
}

// Recorder returns a RunRecorder for run.
func (db *DB) Recorder(run *models.Run) *RunRecorder {
	return &RunRecorder{db: db, runID: run.ID}
}

// RecordOperation implements sync.Recorder.
func (r *RunRecorder) RecordOperation(op models.Operation) error {
	return r.db.RecordOperation(r.runID, op)
}
