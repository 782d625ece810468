package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomctl/loom/internal/common/database"
	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/deployment/dispatcher"
	depstore "github.com/loomctl/loom/internal/deployment/store"
	"github.com/loomctl/loom/internal/deployment/scheduler"
	designstore "github.com/loomctl/loom/internal/orchestrator/design/store"
	"github.com/loomctl/loom/internal/session"
	sessionstore "github.com/loomctl/loom/internal/session/store"
	"github.com/loomctl/loom/internal/streaming"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/types"
)

type fakeExecutor struct{}

func (fakeExecutor) Run(ctx context.Context, d types.Design, initialTask, executionID, userID string, requiredCredentialKeys []string) (string, error) {
	return "ok", nil
}

func testRouter(t *testing.T) (*gin.Engine, Dependencies) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "deployment.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st, err := depstore.New(db)
	if err != nil {
		t.Fatalf("failed to create deployment store: %v", err)
	}
	dst, err := designstore.New(db)
	if err != nil {
		t.Fatalf("failed to create design store: %v", err)
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	resolve := func(ctx context.Context, designID string) (types.Design, error) {
		return types.Design{ID: designID}, nil
	}
	disp := dispatcher.New(st, resolve, fakeExecutor{}, log)
	sch := scheduler.New(st, disp.FireScheduled, log)
	hub := streaming.NewHub(log)
	prov := workspace.NewProvisioner(t.TempDir(), log)

	sst, err := sessionstore.New(db)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	noopProvision := func(ctx context.Context, workflowID, instanceID string) (string, func() error, error) {
		dir := filepath.Join(t.TempDir(), instanceID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, err
		}
		return dir, func() error { return nil }, nil
	}
	sessMgr := session.NewManager(sst, "/bin/sh", []string{"-c", `printf 'hello\n'; sleep 5`}, noopProvision, log)

	deps := Dependencies{
		DeploymentStore: st,
		DesignStore:     dst,
		Executor:        fakeExecutor{},
		Scheduler:       sch,
		Dispatcher:      disp,
		Hub:             hub,
		Workspace:       prov,
		Session:         sessMgr,
		CheckOwnership: func(ctx context.Context, workflowID, userID string) (bool, error) {
			return workflowID == "wf-1" && userID == "user-1", nil
		},
		Logger: log,
	}

	router := gin.New()
	RegisterRoutes(router.Group("/api"), deps)
	return router, deps
}

func TestCreateGetAndExecuteDeployment(t *testing.T) {
	router, _ := testRouter(t)

	body, _ := json.Marshal(deploymentRequest{DesignID: "design-1", EndpointPath: "/reports"})
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created types.Deployment
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/deployments/"+created.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/deployments/"+created.ID+"/execute", bytes.NewReader([]byte(`{}`))))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeleteDeploymentDeregistersSchedule(t *testing.T) {
	router, deps := testRouter(t)

	sched := &types.Schedule{Kind: types.ScheduleInterval, IntervalUnit: "hour", IntervalCount: 1, Timezone: "UTC"}
	body, _ := json.Marshal(deploymentRequest{DesignID: "design-1", EndpointPath: "/hourly", Schedule: sched})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	var created types.Deployment
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	if !deps.Scheduler.Registered(created.ID) {
		t.Fatal("expected deployment to be registered with the scheduler")
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/deployments/"+created.ID, nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if deps.Scheduler.Registered(created.ID) {
		t.Fatal("expected deployment to be deregistered after delete")
	}
}

func TestCreateGetAndExecuteDesign(t *testing.T) {
	router, _ := testRouter(t)

	body, _ := json.Marshal(designRequest{
		Blocks: []types.Block{{ID: "b1", Type: types.BlockSequential, Agents: []types.Agent{{ID: "a1", Name: "writer"}}}},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/designs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created types.Design
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/designs/"+created.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/designs/"+created.ID+"/execute", bytes.NewReader([]byte(`{"initial_task":"go"}`))))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteInlineDesign(t *testing.T) {
	router, _ := testRouter(t)

	payload := map[string]any{
		"design": designRequest{
			Blocks: []types.Block{{ID: "b1", Type: types.BlockSequential, Agents: []types.Agent{{ID: "a1", Name: "writer"}}}},
		},
		"initial_task": "go",
	}
	body, _ := json.Marshal(payload)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/designs/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOrchestrate(t *testing.T) {
	router, _ := testRouter(t)

	payload := map[string]any{
		"type":  types.BlockSequential,
		"agents": []types.Agent{{ID: "a1", Name: "writer"}},
		"task":  "draft something",
	}
	body, _ := json.Marshal(payload)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/orchestrate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSpawnSendInterruptStopSession(t *testing.T) {
	router, _ := testRouter(t)

	body, _ := json.Marshal(spawnRequest{WorkflowID: "wf-1", UserID: "user-1"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var inst types.Instance
	if err := json.Unmarshal(w.Body.Bytes(), &inst); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions/"+inst.ID+"/interrupt", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions/"+inst.ID+"/stop", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBrowseWorkspaceRejectsPathOutsideIsolatedRoot(t *testing.T) {
	router, deps := testRouter(t)

	outside := filepath.Join(deps.Workspace.TempRoot(), "not_isolated_x")
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	body, _ := json.Marshal(workspaceRequest{WorkspacePath: outside, WorkflowID: "wf-1", UserID: "user-1"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/workspaces/browse", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBrowseWorkspaceRejectsUnownedWorkflow(t *testing.T) {
	router, deps := testRouter(t)

	isolated := filepath.Join(deps.Workspace.TempRoot(), "orchestration_isolated_exec1", "agent-a")
	if err := os.MkdirAll(isolated, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	body, _ := json.Marshal(workspaceRequest{WorkspacePath: isolated, WorkflowID: "wf-other", UserID: "user-1"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/workspaces/browse", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReadWorkspaceFileWithinIsolatedRoot(t *testing.T) {
	router, deps := testRouter(t)

	isolated := filepath.Join(deps.Workspace.TempRoot(), "orchestration_isolated_exec1", "agent-a")
	if err := os.MkdirAll(isolated, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(isolated, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	body, _ := json.Marshal(workspaceRequest{WorkspacePath: isolated, WorkflowID: "wf-1", UserID: "user-1", FilePath: "notes.txt"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/workspaces/read", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("expected file content 'hello', got %q", resp.Content)
	}
}

func TestReadWorkspaceFileRejectsPathEscape(t *testing.T) {
	router, deps := testRouter(t)

	isolated := filepath.Join(deps.Workspace.TempRoot(), "orchestration_isolated_exec1", "agent-a")
	if err := os.MkdirAll(isolated, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	body, _ := json.Marshal(workspaceRequest{WorkspacePath: isolated, WorkflowID: "wf-1", UserID: "user-1", FilePath: "../../../etc/passwd"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/workspaces/read", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden && w.Code != http.StatusNotFound {
		t.Fatalf("expected 403 or 404, got %d: %s", w.Code, w.Body.String())
	}
}
