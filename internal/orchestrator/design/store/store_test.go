package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomctl/loom/internal/common/database"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "design.db")
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func sampleDesign(id string) *types.Design {
	return &types.Design{
		ID: id,
		Blocks: []types.Block{
			{ID: "b1", Type: types.BlockSequential, Agents: []types.Agent{
				{ID: "a1", Name: "writer", Role: types.RoleWorker, UseTools: types.ToolUseAuto},
			}, Task: "draft the report"},
			{ID: "b2", Type: types.BlockReflection, Agents: []types.Agent{
				{ID: "a2", Name: "reviewer", Role: types.RoleReflector, UseTools: types.ToolUseAuto},
			}},
		},
		Connections: []types.Connection{
			{SourceBlock: "b1", TargetBlock: "b2"},
		},
	}
}

func TestCreateAndGetDesign(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := sampleDesign("design-1")
	if err := s.CreateDesign(ctx, d); err != nil {
		t.Fatalf("CreateDesign: %v", err)
	}
	if d.Version != 1 {
		t.Fatalf("expected default version 1, got %d", d.Version)
	}

	got, err := s.GetDesign(ctx, "design-1")
	if err != nil {
		t.Fatalf("GetDesign: %v", err)
	}
	if len(got.Blocks) != 2 || len(got.Connections) != 1 {
		t.Fatalf("expected blocks/connections to round-trip, got %+v", got)
	}
	if got.Blocks[0].Agents[0].Name != "writer" {
		t.Fatalf("expected nested agent to round-trip, got %+v", got.Blocks[0].Agents)
	}
}

func TestGetDesignReturnsValidationKindWhenMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.GetDesign(context.Background(), "nope")
	if !loomerr.Is(err, loomerr.KindValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestUpdateDesignBumpsVersionAndContent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := sampleDesign("design-2")
	if err := s.CreateDesign(ctx, d); err != nil {
		t.Fatalf("CreateDesign: %v", err)
	}

	d.Version = 2
	d.Blocks = append(d.Blocks, types.Block{ID: "b3", Type: types.BlockParallel})
	if err := s.UpdateDesign(ctx, d); err != nil {
		t.Fatalf("UpdateDesign: %v", err)
	}

	got, err := s.GetDesign(ctx, "design-2")
	if err != nil {
		t.Fatalf("GetDesign: %v", err)
	}
	if got.Version != 2 || len(got.Blocks) != 3 {
		t.Fatalf("expected updated version/blocks, got %+v", got)
	}
}

func TestUpdateDesignRejectsUnknownID(t *testing.T) {
	s := testStore(t)
	err := s.UpdateDesign(context.Background(), sampleDesign("missing"))
	if !loomerr.Is(err, loomerr.KindValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestDeleteDesign(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := sampleDesign("design-3")
	if err := s.CreateDesign(ctx, d); err != nil {
		t.Fatalf("CreateDesign: %v", err)
	}
	if err := s.DeleteDesign(ctx, "design-3"); err != nil {
		t.Fatalf("DeleteDesign: %v", err)
	}
	if _, err := s.GetDesign(ctx, "design-3"); !loomerr.Is(err, loomerr.KindValidation) {
		t.Fatalf("expected design to be gone, got %v", err)
	}
}

func TestListDesigns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateDesign(ctx, sampleDesign("design-a")); err != nil {
		t.Fatalf("CreateDesign a: %v", err)
	}
	if err := s.CreateDesign(ctx, sampleDesign("design-b")); err != nil {
		t.Fatalf("CreateDesign b: %v", err)
	}

	all, err := s.ListDesigns(ctx)
	if err != nil {
		t.Fatalf("ListDesigns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 designs, got %d", len(all))
	}
}
