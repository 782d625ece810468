// Package store persists Designs via sqlx against the embedded SQLite
// database, the same convention used by internal/deployment/store and
// internal/session/store: a version row per design plus JSON-serialized
// blocks and connections, since a DAG has no natural flat-column shape.
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

// Store persists designs.
type Store struct {
	db *sqlx.DB
}

// New creates a Store and ensures its schema exists.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize design schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS designs (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		blocks_json TEXT NOT NULL,
		connections_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateDesign inserts a new design. Callers that want to version an
// existing design should give the new row a fresh ID; Design has no
// implicit history beyond the Version field it carries.
func (s *Store) CreateDesign(ctx context.Context, d *types.Design) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Version == 0 {
		d.Version = 1
	}

	blocksJSON, connJSON, err := marshalDesign(d)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO designs (id, version, blocks_json, connections_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.Version, blocksJSON, connJSON, d.CreatedAt, d.UpdatedAt)
	return err
}

// UpdateDesign rewrites a design's blocks, connections, and version in
// place, keyed by ID.
func (s *Store) UpdateDesign(ctx context.Context, d *types.Design) error {
	d.UpdatedAt = time.Now().UTC()
	blocksJSON, connJSON, err := marshalDesign(d)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE designs SET version = ?, blocks_json = ?, connections_json = ?, updated_at = ?
		WHERE id = ?
	`, d.Version, blocksJSON, connJSON, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return loomerr.New(loomerr.KindValidation, "design not found: "+d.ID)
	}
	return nil
}

// DeleteDesign removes a design. Deployments referencing it are left
// untouched; resolving them will start failing with KindValidation
// until they are repointed or removed.
func (s *Store) DeleteDesign(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM designs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return loomerr.New(loomerr.KindValidation, "design not found: "+id)
	}
	return nil
}

// GetDesign loads one design by ID. Its signature matches
// dispatcher.DesignResolver so it can be wired in directly.
func (s *Store) GetDesign(ctx context.Context, id string) (types.Design, error) {
	var row designRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, version, blocks_json, connections_json, created_at, updated_at
		FROM designs WHERE id = ?
	`, id); err != nil {
		return types.Design{}, loomerr.Wrap(loomerr.KindValidation, "design not found: "+id, err)
	}
	return row.toDesign()
}

// ListDesigns returns every stored design, newest first.
func (s *Store) ListDesigns(ctx context.Context) ([]types.Design, error) {
	var rows []designRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, version, blocks_json, connections_json, created_at, updated_at
		FROM designs ORDER BY created_at DESC
	`); err != nil {
		return nil, err
	}
	out := make([]types.Design, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDesign()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func marshalDesign(d *types.Design) (string, string, error) {
	blocks, err := json.Marshal(d.Blocks)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal blocks: %w", err)
	}
	conns, err := json.Marshal(d.Connections)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal connections: %w", err)
	}
	return string(blocks), string(conns), nil
}

type designRow struct {
	ID              string    `db:"id"`
	Version         int       `db:"version"`
	BlocksJSON      string    `db:"blocks_json"`
	ConnectionsJSON string    `db:"connections_json"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r designRow) toDesign() (types.Design, error) {
	d := types.Design{
		ID:        r.ID,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.BlocksJSON), &d.Blocks); err != nil {
		return types.Design{}, fmt.Errorf("failed to parse blocks: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ConnectionsJSON), &d.Connections); err != nil {
		return types.Design{}, fmt.Errorf("failed to parse connections: %w", err)
	}
	return d, nil
}
