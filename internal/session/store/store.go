// Package store persists Instance and InstanceLog rows for the
// Session Manager via sqlx against the embedded SQLite database.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/loomctl/loom/pkg/types"
)

// Store persists instances and their event logs.
type Store struct {
	db *sqlx.DB
}

// New creates a Store and ensures its schema exists.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		workspace_path TEXT NOT NULL DEFAULT '',
		tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		tool_calls_json TEXT NOT NULL DEFAULT '{}',
		wall_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instances_workflow_status ON instances(workflow_id, status);

	CREATE TABLE IF NOT EXISTS instance_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		tokens_delta INTEGER NOT NULL DEFAULT 0,
		cost_delta_usd REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (instance_id) REFERENCES instances(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_instance_logs_instance_ts ON instance_logs(instance_id, timestamp ASC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateInstance inserts a new instance row in the "starting" status.
func (s *Store) CreateInstance(ctx context.Context, inst *types.Instance) error {
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	toolCalls, err := json.Marshal(inst.Metrics.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool call counters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, workflow_id, user_id, status, workspace_path, tokens, cost_usd, tool_calls_json, wall_time_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.WorkflowID, inst.UserID, string(inst.Status), inst.WorkspacePath,
		inst.Metrics.Tokens, inst.Metrics.CostUSD, string(toolCalls), inst.Metrics.WallTimeMS, inst.CreatedAt, inst.UpdatedAt)
	return err
}

// UpdateStatus transitions an instance to a new status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.InstanceStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("instance not found: %s", id)
	}
	return nil
}

// AppendLog appends one InstanceLog row and folds its deltas into the
// owning instance's metrics, so Instance.Metrics always equals the sum
// of every logged delta (the round-trip law the manager relies on).
func (s *Store) AppendLog(ctx context.Context, log *types.InstanceLog) error {
	log.Timestamp = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instance_logs (instance_id, timestamp, kind, payload, tokens_delta, cost_delta_usd)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.InstanceID, log.Timestamp, string(log.Kind), log.Payload, log.TokensDelta, log.CostDeltaUSD); err != nil {
		return err
	}

	if log.Kind == types.LogToolCall && log.ToolName != "" {
		if err := incrementToolCallCounter(ctx, tx, log.InstanceID, log.ToolName); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE instances
		SET tokens = tokens + ?, cost_usd = cost_usd + ?, updated_at = ?
		WHERE id = ?
	`, log.TokensDelta, log.CostDeltaUSD, log.Timestamp, log.InstanceID); err != nil {
		return err
	}

	return tx.Commit()
}

func incrementToolCallCounter(ctx context.Context, tx *sqlx.Tx, instanceID, toolName string) error {
	var raw string
	if err := tx.GetContext(ctx, &raw, `SELECT tool_calls_json FROM instances WHERE id = ?`, instanceID); err != nil {
		return err
	}
	counts := map[string]int64{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &counts); err != nil {
			return fmt.Errorf("failed to parse tool call counters: %w", err)
		}
	}
	counts[toolName]++
	updated, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE instances SET tool_calls_json = ? WHERE id = ?`, string(updated), instanceID)
	return err
}

// AddWallTime folds an elapsed "running" interval into an instance's
// wall_time_ms counter.
func (s *Store) AddWallTime(ctx context.Context, instanceID string, elapsed time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET wall_time_ms = wall_time_ms + ?, updated_at = ? WHERE id = ?
	`, elapsed.Milliseconds(), time.Now().UTC(), instanceID)
	return err
}

// GetInstance loads one instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	var row instanceRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, workflow_id, user_id, status, workspace_path, tokens, cost_usd, tool_calls_json, wall_time_ms, created_at, updated_at
		FROM instances WHERE id = ?
	`, id); err != nil {
		return nil, err
	}
	return row.toInstance()
}

// ListLogs returns an instance's logs in timestamp order, the shape
// the InstanceLog.instance_id,timestamp asc index is built for.
func (s *Store) ListLogs(ctx context.Context, instanceID string) ([]*types.InstanceLog, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, instance_id, timestamp, kind, payload, tokens_delta, cost_delta_usd
		FROM instance_logs WHERE instance_id = ? ORDER BY timestamp ASC
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*types.InstanceLog
	for rows.Next() {
		var log types.InstanceLog
		var kind string
		if err := rows.Scan(&log.ID, &log.InstanceID, &log.Timestamp, &kind, &log.Payload, &log.TokensDelta, &log.CostDeltaUSD); err != nil {
			return nil, err
		}
		log.Kind = types.InstanceLogKind(kind)
		result = append(result, &log)
	}
	return result, rows.Err()
}

type instanceRow struct {
	ID            string    `db:"id"`
	WorkflowID    string    `db:"workflow_id"`
	UserID        string    `db:"user_id"`
	Status        string    `db:"status"`
	WorkspacePath string    `db:"workspace_path"`
	Tokens        int64     `db:"tokens"`
	CostUSD       float64   `db:"cost_usd"`
	ToolCallsJSON string    `db:"tool_calls_json"`
	WallTimeMS    int64     `db:"wall_time_ms"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r instanceRow) toInstance() (*types.Instance, error) {
	toolCalls := map[string]int64{}
	if r.ToolCallsJSON != "" {
		if err := json.Unmarshal([]byte(r.ToolCallsJSON), &toolCalls); err != nil {
			return nil, fmt.Errorf("failed to parse tool call counters: %w", err)
		}
	}
	return &types.Instance{
		ID:            r.ID,
		WorkflowID:    r.WorkflowID,
		UserID:        r.UserID,
		Status:        types.InstanceStatus(r.Status),
		WorkspacePath: r.WorkspacePath,
		Metrics: types.InstanceMetrics{
			Tokens:     r.Tokens,
			CostUSD:    r.CostUSD,
			ToolCalls:  toolCalls,
			WallTimeMS: r.WallTimeMS,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}
