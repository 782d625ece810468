package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/common/database"
	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/session/store"
	"github.com/loomctl/loom/pkg/types"
)

func testManager(t *testing.T, cliArgs []string) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "session.db")
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	workspace := t.TempDir()
	provision := func(ctx context.Context, workflowID, instanceID string) (string, func() error, error) {
		return workspace, func() error { return nil }, nil
	}

	return NewManager(st, "/bin/sh", cliArgs, provision, log)
}

func waitForStatus(t *testing.T, m *Manager, instanceID string, want types.InstanceStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inst, err := m.store.GetInstance(context.Background(), instanceID)
		if err == nil && inst.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached status %s", instanceID, want)
}

func TestSpawnTransitionsToReady(t *testing.T) {
	m := testManager(t, []string{"-c", `printf 'hello\n'; sleep 5`})

	inst, err := m.Spawn(context.Background(), "wf-1", "user-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitForStatus(t, m, inst.ID, types.InstanceReady, 3*time.Second)

	if err := m.Stop(context.Background(), inst.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSendRejectedBeforeReady(t *testing.T) {
	m := testManager(t, []string{"-c", `sleep 5`})

	inst, err := m.Spawn(context.Background(), "wf-1", "user-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Stop(context.Background(), inst.ID)

	m.mu.Lock()
	live := m.instances[inst.ID]
	m.mu.Unlock()
	live.mu.Lock()
	live.status = types.InstanceStarting
	live.mu.Unlock()

	if err := m.Send(context.Background(), inst.ID, "hi"); err == nil {
		t.Fatal("expected Send to reject a non-ready instance")
	}
}

func TestSubscribeReceivesLogEvents(t *testing.T) {
	m := testManager(t, []string{"-c", `printf 'line one\n'; sleep 5`})

	inst, err := m.Spawn(context.Background(), "wf-1", "user-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Stop(context.Background(), inst.ID)

	ch, unsubscribe, err := m.Subscribe(inst.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case ev := <-ch:
		if ev.InstanceID != inst.ID {
			t.Fatalf("unexpected instance id: %s", ev.InstanceID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
}

func TestWallTimeAccumulatesAcrossRunningInterval(t *testing.T) {
	m := testManager(t, []string{"-c", `printf 'ready\n'; trap '' INT; sleep 5`})

	inst, err := m.Spawn(context.Background(), "wf-1", "user-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Stop(context.Background(), inst.ID)

	waitForStatus(t, m, inst.ID, types.InstanceReady, 3*time.Second)

	if err := m.Send(context.Background(), inst.ID, "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	m.CancelGracePeriod = 50 * time.Millisecond
	if err := m.Interrupt(context.Background(), inst.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	got, err := m.store.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Metrics.WallTimeMS < 150 {
		t.Fatalf("expected wall time to fold the running interval, got %dms", got.Metrics.WallTimeMS)
	}
}

func TestStopRemovesInstance(t *testing.T) {
	m := testManager(t, []string{"-c", `sleep 5`})

	inst, err := m.Spawn(context.Background(), "wf-1", "user-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := m.Stop(context.Background(), inst.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := m.get(inst.ID); err == nil {
		t.Fatal("expected instance to be removed after Stop")
	}
}
