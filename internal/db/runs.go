package db

import (
	"context"
	"database/sql"
	"time"
)

// CreatePipelineRun creates a new pipeline run record
func (db *DB) CreatePipelineRun(ctx context.Context, run *PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (run_id, started_at, completed_at, state, success, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, db.Rebind(query),
		run.RunID,
		run.StartedAt,
		run.CompletedAt,
		run.State,
		run.Success,
		run.Error,
	)

	return err
}

// UpdatePipelineRunState records the state a run is currently in
func (db *DB) UpdatePipelineRunState(ctx context.Context, runID, state string) error {
	query := `UPDATE pipeline_runs SET state = ? WHERE run_id = ?`

	result, err := db.ExecContext(ctx, db.Rebind(query), state, runID)
	if err != nil {
		return err
	}

	return requireRow(result)
}

// CompletePipelineRun marks a pipeline run as finished
func (db *DB) CompletePipelineRun(ctx context.Context, runID string, state string, success bool, errorMsg *string) error {
	query := `
		UPDATE pipeline_runs
		SET state = ?, completed_at = ?, success = ?, error = ?
		WHERE run_id = ?
	`

	result, err := db.ExecContext(ctx, db.Rebind(query), state, time.Now().UTC(), success, errorMsg, runID)
	if err != nil {
		return err
	}

	return requireRow(result)
}

// GetPipelineRun retrieves a pipeline run by its run ID
func (db *DB) GetPipelineRun(ctx context.Context, runID string) (*PipelineRun, error) {
	run := &PipelineRun{}

	query := `
		SELECT run_id, started_at, completed_at, state, success, error
		FROM pipeline_runs
		WHERE run_id = ?
	`

	err := db.QueryRowContext(ctx, db.Rebind(query), runID).Scan(
		&run.RunID,
		&run.StartedAt,
		&run.CompletedAt,
		&run.State,
		&run.Success,
		&run.Error,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return run, nil
}

// GetRecentPipelineRuns retrieves the most recent runs, newest first
func (db *DB) GetRecentPipelineRuns(ctx context.Context, limit int) ([]PipelineRun, error) {
	query := `
		SELECT run_id, started_at, completed_at, state, success, error
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []PipelineRun{}
	for rows.Next() {
		var run PipelineRun
		err := rows.Scan(
			&run.RunID,
			&run.StartedAt,
			&run.CompletedAt,
			&run.State,
			&run.Success,
			&run.Error,
		)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// RecordStageRun stores the outcome of one stage of a run
func (db *DB) RecordStageRun(ctx context.Context, stage *StageRun) error {
	query := `
		INSERT INTO stage_runs (run_id, stage, started_at, completed_at, success, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, db.Rebind(query),
		stage.RunID,
		stage.Stage,
		stage.StartedAt,
		stage.CompletedAt,
		stage.Success,
		stage.Message,
	)
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetStageRuns retrieves the stages executed by a run, in execution order
func (db *DB) GetStageRuns(ctx context.Context, runID string) ([]StageRun, error) {
	query := `
		SELECT run_id, stage, started_at, completed_at, success, message
		FROM stage_runs
		WHERE run_id = ?
		ORDER BY started_at ASC
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stages := []StageRun{}
	for rows.Next() {
		var s StageRun
		if err := rows.Scan(&s.RunID, &s.Stage, &s.StartedAt, &s.CompletedAt, &s.Success, &s.Message); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}

	return stages, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
