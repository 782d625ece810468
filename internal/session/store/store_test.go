package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomctl/loom/internal/common/database"
	"github.com/loomctl/loom/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "session.db")
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

func TestCreateAndGetInstance(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	inst := &types.Instance{ID: "inst-1", WorkflowID: "wf-1", UserID: "user-1", Status: types.InstanceStarting, WorkspacePath: "/tmp/x"}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != types.InstanceStarting || got.WorkflowID != "wf-1" {
		t.Fatalf("unexpected instance: %+v", got)
	}
}

func TestUpdateStatusRejectsUnknownInstance(t *testing.T) {
	s := testStore(t)
	err := s.UpdateStatus(context.Background(), "missing", types.InstanceReady)
	if err == nil {
		t.Fatal("expected error for unknown instance")
	}
}

func TestAppendLogFoldsMetricsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	inst := &types.Instance{ID: "inst-2", WorkflowID: "wf-1", UserID: "user-1", Status: types.InstanceReady}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	logs := []*types.InstanceLog{
		{InstanceID: "inst-2", Kind: types.LogCost, TokensDelta: 10, CostDeltaUSD: 0.01},
		{InstanceID: "inst-2", Kind: types.LogCost, TokensDelta: 5, CostDeltaUSD: 0.02},
		{InstanceID: "inst-2", Kind: types.LogToolCall, Payload: "read_file a.txt", ToolName: "read_file"},
		{InstanceID: "inst-2", Kind: types.LogToolCall, Payload: "read_file b.txt", ToolName: "read_file"},
	}
	for _, l := range logs {
		if err := s.AppendLog(ctx, l); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	got, err := s.GetInstance(ctx, "inst-2")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Metrics.Tokens != 15 {
		t.Fatalf("tokens = %d, want 15", got.Metrics.Tokens)
	}
	if diff := got.Metrics.CostUSD - 0.03; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %f, want ~0.03", got.Metrics.CostUSD)
	}
	if got.Metrics.ToolCalls["read_file"] != 2 {
		t.Fatalf("tool call count = %d, want 2", got.Metrics.ToolCalls["read_file"])
	}

	storedLogs, err := s.ListLogs(ctx, "inst-2")
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(storedLogs) != 4 {
		t.Fatalf("expected 4 logs, got %d", len(storedLogs))
	}
}
