// Package main is the unified entry point for loom. One binary runs
// the Design DAG Executor, the Session Manager, the deployment
// scheduler/dispatcher, and the HTTP surface together against shared
// infrastructure.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/agent/runner"
	"github.com/loomctl/loom/internal/api"
	"github.com/loomctl/loom/internal/common/config"
	"github.com/loomctl/loom/internal/common/database"
	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/credentials"
	"github.com/loomctl/loom/internal/deployment/dispatcher"
	depstore "github.com/loomctl/loom/internal/deployment/store"
	"github.com/loomctl/loom/internal/deployment/scheduler"
	"github.com/loomctl/loom/internal/events/bus"
	"github.com/loomctl/loom/internal/orchestrator/design"
	designstore "github.com/loomctl/loom/internal/orchestrator/design/store"
	"github.com/loomctl/loom/internal/orchestrator/patterns"
	"github.com/loomctl/loom/internal/session"
	sessionstore "github.com/loomctl/loom/internal/session/store"
	"github.com/loomctl/loom/internal/streaming"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/types"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting loomd")

	// 3. Context with cancellation, torn down on shutdown signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS if configured, in-memory otherwise
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Database. The deployment/design/session stores are sqlx-based
	// and only run against the embedded SQLite path today; a postgres
	// driver selection opens the pgx pool (for callers that only need
	// DB.Pool()) but has no sqlx adapter yet, so it can't back these
	// stores. See DESIGN.md.
	sqlxDB, pgPool, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	if pgPool != nil {
		defer pgPool.Close()
	}
	if sqlxDB == nil {
		log.Fatal("database.driver=postgres is not yet supported by the deployment/design/session stores; set database.driver to sqlite")
	}
	defer sqlxDB.Close()

	// 6. Credential manager: API keys plus the CLI's own saved profiles
	credMgr := credentials.NewManager(log)
	credMgr.AddProvider(credentials.NewAPIKeyStore())
	credMgr.AddProvider(credentials.NewProfileStore(cfg.Credentials.ProfileCredentialsPath))

	// 7. Workspace provisioner
	tempRoot := cfg.Workspace.TempRoot
	if tempRoot == "" {
		tempRoot = filepath.Join(os.TempDir(), "loom-workspaces")
	}
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		log.Fatal("failed to create workspace temp root", zap.Error(err))
	}
	wsProvisioner := workspace.NewProvisioner(tempRoot, log)

	// 8. Agent runner
	agentRunner := runner.NewRunner(credMgr, log)
	agentRunner.CancelGracePeriod = cfg.Runner.CancelGracePeriod()

	// 9. Streaming hub — execution and session events broadcast here,
	// GET /stream/:topic subscribes a websocket to one topic.
	hub := streaming.NewHub(log)
	go hub.Run(ctx)

	// 10. Design DAG Executor
	designExecutor := &design.Executor{
		Runner:             agentRunner,
		RunnerConfig:       cfg.Runner,
		ProvisionWorkspace: blockWorkspaceProvisioner(wsProvisioner),
		Emit:               broadcastDesignEvent(hub, eventBus, log),
	}

	// 11. Persistence + deployment scheduler/dispatcher
	depStore, err := depstore.New(sqlxDB)
	if err != nil {
		log.Fatal("failed to initialize deployment store", zap.Error(err))
	}
	designStore, err := designstore.New(sqlxDB)
	if err != nil {
		log.Fatal("failed to initialize design store", zap.Error(err))
	}
	disp := dispatcher.New(depStore, designStore.GetDesign, designExecutor, log)
	sched := scheduler.New(depStore, disp.FireScheduled, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start deployment scheduler", zap.Error(err))
	}

	// 12. Session manager — interactive CLI sessions, one shared
	// workspace per instance. workflowID doubles as the git repo URL
	// (or empty, for a plain scratch directory) since there is no
	// separate Workflow entity carrying its own repo reference yet.
	sessionStore, err := sessionstore.New(sqlxDB)
	if err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}
	sessionMgr := session.NewManager(sessionStore, cfg.Runner.CLICommand, cfg.Runner.CLIArgs, sessionWorkspaceProvisioner(wsProvisioner), log)
	sessionMgr.CancelGracePeriod = cfg.Runner.CancelGracePeriod()

	// ============================================
	// HTTP SURFACE
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "loomd"})
	})

	api.RegisterRoutes(router.Group("/api"), api.Dependencies{
		DeploymentStore: depStore,
		DesignStore:     designStore,
		Executor:        designExecutor,
		Scheduler:       sched,
		Dispatcher:      disp,
		Hub:             hub,
		Workspace:       wsProvisioner,
		Session:         sessionMgr,
		CheckOwnership:  instanceOwnershipChecker(sessionStore),
		Logger:          log,
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down loomd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop error", zap.Error(err))
	}

	log.Info("loomd stopped")
}

// blockWorkspaceProvisioner adapts workspace.Provisioner to
// design.WorkspaceProvisioner: shared mode for a plain block, isolated
// mode (one clone per agent) when the block asks for it.
func blockWorkspaceProvisioner(p *workspace.Provisioner) design.WorkspaceProvisioner {
	return func(ctx context.Context, block types.Block, executionID string) (patterns.WorkspaceFunc, string, map[string]string, func() error, error) {
		if block.IsolateAgentWorkspaces {
			names := make([]string, 0, len(block.Agents))
			for _, agent := range block.Agents {
				names = append(names, agent.Name)
			}
			result, err := p.ProvisionIsolated(ctx, block.GitRepo, "", executionID, names, nil)
			if err != nil {
				return nil, "", nil, nil, err
			}
			agentPaths := make(map[string]string, len(result.Isolated))
			for name, ws := range result.Isolated {
				agentPaths[name] = ws.Path
			}
			workspaceFor := func(agentName string) *types.Workspace { return result.Isolated[agentName] }
			return workspaceFor, result.ParentDir, agentPaths, result.Cleanup, nil
		}

		result, err := p.ProvisionShared(ctx, block.GitRepo, "", executionID, nil)
		if err != nil {
			return nil, "", nil, nil, err
		}
		workspaceFor := func(agentName string) *types.Workspace { return result.Shared }
		return workspaceFor, result.ParentDir, nil, result.Cleanup, nil
	}
}

// sessionWorkspaceProvisioner adapts workspace.Provisioner to
// session.WorkspaceProvisioner. workflowID is treated as the git repo
// (possibly empty, which ProvisionShared already tolerates as a plain
// scratch directory) since no Workflow entity owns a repo reference
// independently of a Design block today.
func sessionWorkspaceProvisioner(p *workspace.Provisioner) session.WorkspaceProvisioner {
	return func(ctx context.Context, workflowID, instanceID string) (string, func() error, error) {
		result, err := p.ProvisionShared(ctx, workflowID, "", instanceID, nil)
		if err != nil {
			return "", nil, err
		}
		return result.Shared.Path, result.Cleanup, nil
	}
}

// broadcastDesignEvent relays every design.Event onto the streaming
// hub under its execution ID as topic (the same wiring
// session_handlers.go uses for Session Manager events) and, in
// parallel, publishes it on the event bus under
// bus.SubjectExecutionEvents so any out-of-process subscriber (a
// second loomd instance behind the same NATS cluster, for example)
// observes the same execution without talking to this process's hub
// directly.
func broadcastDesignEvent(hub *streaming.Hub, eventBus bus.EventBus, log *logger.Logger) design.EmitFunc {
	return func(ev design.Event) {
		hub.Broadcast(ev.ExecutionID, ev)

		subject := "loom.execution." + ev.ExecutionID
		payload := map[string]interface{}{
			"execution_id": ev.ExecutionID,
			"block_id":     ev.BlockID,
			"agent_name":   ev.AgentName,
			"text":         ev.Text,
		}
		if ev.Err != nil {
			payload["error"] = ev.Err.Error()
		}
		if err := eventBus.Publish(context.Background(), subject, bus.NewEvent(string(ev.Kind), "design-executor", payload)); err != nil {
			log.Warn("failed to publish design event", zap.String("subject", subject), zap.Error(err))
		}
	}
}

// instanceOwnershipChecker reports whether userID owns the interactive
// session instance workflowID resolves to, the admission check
// /workspaces/browse and /workspaces/read require. Kept here rather
// than in internal/api so that package stays decoupled from the
// session store's concrete type.
func instanceOwnershipChecker(st *sessionstore.Store) api.OwnershipChecker {
	return func(ctx context.Context, workflowID, userID string) (bool, error) {
		inst, err := st.GetInstance(ctx, workflowID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, err
		}
		return inst.UserID == userID, nil
	}
}

// corsMiddleware allows any origin, mirroring the teacher's permissive
// local-first default.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
