// Package store persists Deployment and ExecutionLog rows via sqlx
// against the embedded SQLite database, the same convention used by
// internal/session/store for instance bookkeeping.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

// Store persists deployments and their execution logs.
type Store struct {
	db *sqlx.DB
}

// New creates a Store and ensures its schema exists.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize deployment schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		design_id TEXT NOT NULL,
		endpoint_path TEXT NOT NULL,
		status TEXT NOT NULL,
		schedule_json TEXT,
		execution_count INTEGER NOT NULL DEFAULT 0,
		last_execution_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_deployments_endpoint_path ON deployments(endpoint_path);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (deployment_id) REFERENCES deployments(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_deployment_started ON execution_logs(deployment_id, started_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateDeployment inserts a new deployment row. It fails with
// KindEndpointConflict if endpoint_path is already registered, since
// at most one deployment may own a given endpoint at a time.
func (s *Store) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	scheduleJSON, err := marshalSchedule(d.Schedule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, design_id, endpoint_path, status, schedule_json, execution_count, last_execution_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.DesignID, d.EndpointPath, string(d.Status), scheduleJSON, d.ExecutionCount, d.LastExecutionAt, d.CreatedAt, d.UpdatedAt)
	if isUniqueConstraintErr(err) {
		return loomerr.Wrap(loomerr.KindEndpointConflict, "endpoint path already deployed: "+d.EndpointPath, err)
	}
	return err
}

// UpdateDeployment rewrites a deployment's mutable fields (status,
// schedule, endpoint path). Scheduler mutation must happen around this
// call: remove the old registration, persist, then add the new one,
// so a failed add can roll the persisted row back.
func (s *Store) UpdateDeployment(ctx context.Context, d *types.Deployment) error {
	d.UpdatedAt = time.Now().UTC()
	scheduleJSON, err := marshalSchedule(d.Schedule)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET design_id = ?, endpoint_path = ?, status = ?, schedule_json = ?, updated_at = ?
		WHERE id = ?
	`, d.DesignID, d.EndpointPath, string(d.Status), scheduleJSON, d.UpdatedAt, d.ID)
	if isUniqueConstraintErr(err) {
		return loomerr.Wrap(loomerr.KindEndpointConflict, "endpoint path already deployed: "+d.EndpointPath, err)
	}
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return loomerr.New(loomerr.KindEndpointNotFound, "deployment not found: "+d.ID)
	}
	return nil
}

// DeleteDeployment removes a deployment and its execution logs. The
// caller must deregister any scheduler entry before calling this.
func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return loomerr.New(loomerr.KindEndpointNotFound, "deployment not found: "+id)
	}
	return nil
}

// GetDeployment loads one deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	var row deploymentRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, design_id, endpoint_path, status, schedule_json, execution_count, last_execution_at, created_at, updated_at
		FROM deployments WHERE id = ?
	`, id); err != nil {
		return nil, loomerr.Wrap(loomerr.KindEndpointNotFound, "deployment not found: "+id, err)
	}
	return row.toDeployment()
}

// GetDeploymentByPath resolves the deployment bound to an endpoint
// path for dispatch, whatever its status; it does not filter out
// inactive deployments. Returns KindEndpointNotFound if no deployment
// owns the path at all.
func (s *Store) GetDeploymentByPath(ctx context.Context, path string) (*types.Deployment, error) {
	var row deploymentRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, design_id, endpoint_path, status, schedule_json, execution_count, last_execution_at, created_at, updated_at
		FROM deployments WHERE endpoint_path = ?
	`, path); err != nil {
		return nil, loomerr.Wrap(loomerr.KindEndpointNotFound, "no deployment bound to path: "+path, err)
	}
	return row.toDeployment()
}

// ListActive returns every deployment whose status is active, the set
// the scheduler reconciles its cron/interval registrations against at
// startup.
func (s *Store) ListActive(ctx context.Context) ([]*types.Deployment, error) {
	var rows []deploymentRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, design_id, endpoint_path, status, schedule_json, execution_count, last_execution_at, created_at, updated_at
		FROM deployments WHERE status = ?
	`, string(types.DeploymentActive)); err != nil {
		return nil, err
	}
	out := make([]*types.Deployment, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDeployment()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RecordExecutionStart inserts a running ExecutionLog row and bumps
// the deployment's execution_count and last_execution_at.
func (s *Store) RecordExecutionStart(ctx context.Context, log *types.ExecutionLog) error {
	log.StartedAt = time.Now().UTC()
	log.Status = types.ExecutionRunning

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_logs (id, deployment_id, execution_id, trigger, status, input, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.DeploymentID, log.ExecutionID, string(log.Trigger), string(log.Status), log.Input, log.StartedAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE deployments SET execution_count = execution_count + 1, last_execution_at = ?, updated_at = ? WHERE id = ?
	`, log.StartedAt, log.StartedAt, log.DeploymentID); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordExecutionEnd finalizes an ExecutionLog with its terminal
// status, result payload, and duration.
func (s *Store) RecordExecutionEnd(ctx context.Context, id string, status types.ExecutionStatus, result, execErr string) error {
	completedAt := time.Now().UTC()

	var startedAt time.Time
	if err := s.db.GetContext(ctx, &startedAt, `SELECT started_at FROM execution_logs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("execution log not found: %w", err)
	}
	durationMS := completedAt.Sub(startedAt).Milliseconds()

	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_logs SET status = ?, result = ?, error = ?, completed_at = ?, duration_ms = ? WHERE id = ?
	`, string(status), result, execErr, completedAt, durationMS, id)
	return err
}

// ListExecutions returns a deployment's executions, most recent first,
// the access pattern the (deployment_id, started_at desc) index serves.
func (s *Store) ListExecutions(ctx context.Context, deploymentID string, limit int) ([]*types.ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []executionLogRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, deployment_id, execution_id, trigger, status, input, result, started_at, completed_at, duration_ms, error
		FROM execution_logs WHERE deployment_id = ? ORDER BY started_at DESC LIMIT ?
	`, deploymentID, limit); err != nil {
		return nil, err
	}
	out := make([]*types.ExecutionLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toExecutionLog())
	}
	return out, nil
}

func marshalSchedule(sched *types.Schedule) (*string, error) {
	if sched == nil {
		return nil, nil
	}
	raw, err := json.Marshal(sched)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schedule: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

type deploymentRow struct {
	ID              string     `db:"id"`
	DesignID        string     `db:"design_id"`
	EndpointPath    string     `db:"endpoint_path"`
	Status          string     `db:"status"`
	ScheduleJSON    *string    `db:"schedule_json"`
	ExecutionCount  int64      `db:"execution_count"`
	LastExecutionAt *time.Time `db:"last_execution_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r deploymentRow) toDeployment() (*types.Deployment, error) {
	d := &types.Deployment{
		ID:              r.ID,
		DesignID:        r.DesignID,
		EndpointPath:    r.EndpointPath,
		Status:          types.DeploymentStatus(r.Status),
		ExecutionCount:  r.ExecutionCount,
		LastExecutionAt: r.LastExecutionAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.ScheduleJSON != nil && *r.ScheduleJSON != "" {
		var sched types.Schedule
		if err := json.Unmarshal([]byte(*r.ScheduleJSON), &sched); err != nil {
			return nil, fmt.Errorf("failed to parse schedule: %w", err)
		}
		d.Schedule = &sched
	}
	return d, nil
}

type executionLogRow struct {
	ID           string     `db:"id"`
	DeploymentID string     `db:"deployment_id"`
	ExecutionID  string     `db:"execution_id"`
	Trigger      string     `db:"trigger"`
	Status       string     `db:"status"`
	Input        string     `db:"input"`
	Result       string     `db:"result"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	DurationMS   int64      `db:"duration_ms"`
	Error        string     `db:"error"`
}

func (r executionLogRow) toExecutionLog() *types.ExecutionLog {
	return &types.ExecutionLog{
		ID:           r.ID,
		DeploymentID: r.DeploymentID,
		ExecutionID:  r.ExecutionID,
		Trigger:      types.Trigger(r.Trigger),
		Status:       types.ExecutionStatus(r.Status),
		Input:        r.Input,
		Result:       r.Result,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		DurationMS:   r.DurationMS,
		Error:        r.Error,
	}
}
