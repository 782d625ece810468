// Package api exposes the core's surfaces (deployment CRUD+execute,
// dynamic dispatch, temp-workspace browse/read) as a thin gin router,
// the same layering the teacher uses to keep transport concerns out
// of its orchestrator/session/deployment packages.
package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/deployment/dispatcher"
	depstore "github.com/loomctl/loom/internal/deployment/store"
	"github.com/loomctl/loom/internal/deployment/scheduler"
	designstore "github.com/loomctl/loom/internal/orchestrator/design/store"
	"github.com/loomctl/loom/internal/session"
	"github.com/loomctl/loom/internal/streaming"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/types"
)

// OwnershipChecker reports whether userID owns workflowID, the
// admission check the temp-workspace browse/read endpoints require.
// Injected rather than imported directly so this package stays
// decoupled from whatever tracks workflow ownership (today, session
// instances; spec.md leaves the owning entity unspecified).
type OwnershipChecker func(ctx context.Context, workflowID, userID string) (bool, error)

// DesignExecutor runs a Design to completion. *design.Executor
// satisfies this directly; it is the same shape dispatcher.Executor
// uses so a single concrete executor serves both call paths.
type DesignExecutor interface {
	Run(ctx context.Context, d types.Design, initialTask, executionID, userID string, requiredCredentialKeys []string) (string, error)
}

// Dependencies wires the collaborators the router's handlers need.
type Dependencies struct {
	DeploymentStore *depstore.Store
	DesignStore     *designstore.Store
	Executor        DesignExecutor
	Scheduler       *scheduler.Scheduler
	Dispatcher      *dispatcher.Dispatcher
	Hub             *streaming.Hub
	Workspace       *workspace.Provisioner
	Session         *session.Manager
	CheckOwnership  OwnershipChecker
	Logger          *logger.Logger
}

// RegisterRoutes mounts every HTTP surface under router.
func RegisterRoutes(router gin.IRouter, deps Dependencies) {
	h := &handler{deps: deps, logger: deps.Logger.WithFields()}

	deployments := router.Group("/deployments")
	{
		deployments.GET("", h.listDeployments)
		deployments.POST("", h.createDeployment)
		deployments.GET("/:id", h.getDeployment)
		deployments.PUT("/:id", h.updateDeployment)
		deployments.DELETE("/:id", h.deleteDeployment)
		deployments.POST("/:id/execute", h.executeDeployment)
		deployments.GET("/:id/executions", h.listExecutions)
	}

	deps.Dispatcher.RegisterRoutes(router)

	designs := router.Group("/designs")
	{
		designs.GET("", h.listDesigns)
		designs.POST("", h.createDesign)
		designs.GET("/:id", h.getDesign)
		designs.PUT("/:id", h.updateDesign)
		designs.DELETE("/:id", h.deleteDesign)
		designs.POST("/:id/execute", h.executeStoredDesign)
	}

	router.POST("/orchestrate", h.orchestrate)
	router.POST("/designs/execute", h.executeInlineDesign)

	router.GET("/stream/:topic", h.streamTopic)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.spawnSession)
		sessions.POST("/:id/send", h.sendToSession)
		sessions.POST("/:id/interrupt", h.interruptSession)
		sessions.POST("/:id/stop", h.stopSession)
	}

	workspaces := router.Group("/workspaces")
	{
		workspaces.POST("/browse", h.browseWorkspace)
		workspaces.POST("/read", h.readWorkspaceFile)
	}
}

type handler struct {
	deps   Dependencies
	logger *logger.Logger
}
