package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/common/database"
	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/deployment/store"
	"github.com/loomctl/loom/pkg/types"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "deployment.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := store.New(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return log
}

type fireRecorder struct {
	mu   sync.Mutex
	ids  []string
	seen chan string
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{seen: make(chan string, 16)}
}

func (r *fireRecorder) fire(ctx context.Context, d *types.Deployment) {
	r.mu.Lock()
	r.ids = append(r.ids, d.ID)
	r.mu.Unlock()
	r.seen <- d.ID
}

func TestRegisterFiresIntervalSchedule(t *testing.T) {
	st := testStore(t)
	rec := newFireRecorder()
	sch := New(st, rec.fire, testLogger(t))

	d := &types.Deployment{ID: "dep-1", Schedule: &types.Schedule{Kind: types.ScheduleInterval, IntervalUnit: "second", IntervalCount: 1, Timezone: "UTC"}}
	if err := sch.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sch.cron.Start()
	defer sch.cron.Stop()

	select {
	case id := <-rec.seen:
		if id != "dep-1" {
			t.Fatalf("unexpected fire id: %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for interval schedule to fire")
	}
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	st := testStore(t)
	rec := newFireRecorder()
	sch := New(st, rec.fire, testLogger(t))

	d := &types.Deployment{ID: "dep-1", Schedule: &types.Schedule{Kind: types.ScheduleInterval, IntervalUnit: "hour", IntervalCount: 1, Timezone: "UTC"}}
	if err := sch.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	firstEntry := sch.entries["dep-1"]

	if err := sch.Register(d); err != nil {
		t.Fatalf("Register (second): %v", err)
	}
	secondEntry := sch.entries["dep-1"]

	if firstEntry == secondEntry {
		t.Fatal("expected re-registration to replace the cron entry")
	}
	if len(sch.entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(sch.entries))
	}
}

func TestDeregisterRemovesEntry(t *testing.T) {
	st := testStore(t)
	rec := newFireRecorder()
	sch := New(st, rec.fire, testLogger(t))

	d := &types.Deployment{ID: "dep-1", Schedule: &types.Schedule{Kind: types.ScheduleCron, CronExpr: "0 0 * * *", Timezone: "UTC"}}
	if err := sch.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !sch.Registered("dep-1") {
		t.Fatal("expected deployment to be registered")
	}

	sch.Deregister("dep-1")
	if sch.Registered("dep-1") {
		t.Fatal("expected deployment to be deregistered")
	}
}

func TestRegisterRejectsInvalidSchedule(t *testing.T) {
	st := testStore(t)
	rec := newFireRecorder()
	sch := New(st, rec.fire, testLogger(t))

	d := &types.Deployment{ID: "dep-1", Schedule: &types.Schedule{Kind: types.ScheduleCron, CronExpr: ""}}
	if err := sch.Register(d); err == nil {
		t.Fatal("expected an error for an empty cron expression")
	}
}

func TestStartRegistersActiveDeploymentsAndStopDrains(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	active := &types.Deployment{ID: "dep-active", DesignID: "design-1", EndpointPath: "/a", Status: types.DeploymentActive,
		Schedule: &types.Schedule{Kind: types.ScheduleInterval, IntervalUnit: "hour", IntervalCount: 1, Timezone: "UTC"}}
	if err := st.CreateDeployment(ctx, active); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	inactive := &types.Deployment{ID: "dep-inactive", DesignID: "design-2", EndpointPath: "/b", Status: types.DeploymentInactive,
		Schedule: &types.Schedule{Kind: types.ScheduleInterval, IntervalUnit: "hour", IntervalCount: 1, Timezone: "UTC"}}
	if err := st.CreateDeployment(ctx, inactive); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	rec := newFireRecorder()
	sch := New(st, rec.fire, testLogger(t))

	if err := sch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sch.Registered("dep-active") {
		t.Fatal("expected active deployment to be registered")
	}
	if sch.Registered("dep-inactive") {
		t.Fatal("did not expect inactive deployment to be registered")
	}

	if err := sch.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
