package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loomctl/loom/pkg/types"
)

// orchestrationRequest is one pattern invocation: the request models a
// single Block directly, since a Block already carries every
// pattern-specific parameter (rounds, aggregator, manager, router,
// moderator, reflector) spec.md's "one entry per pattern" surface asks
// for, and wrapping it in a one-block Design reuses the Design DAG
// Executor instead of duplicating its workspace/credential wiring.
type orchestrationRequest struct {
	Type                   types.BlockType `json:"type" binding:"required"`
	Agents                 []types.Agent   `json:"agents" binding:"required"`
	Task                   string          `json:"task" binding:"required"`
	IsolateAgentWorkspaces bool            `json:"isolate_agent_workspaces"`
	GitRepo                string          `json:"git_repo"`
	Rounds                 int             `json:"rounds,omitempty"`
	Aggregator             string          `json:"aggregator,omitempty"`
	Manager                string          `json:"manager,omitempty"`
	Router                 string          `json:"router,omitempty"`
	Moderator              string          `json:"moderator,omitempty"`
	Reflector              string          `json:"reflector,omitempty"`
	UserID                 string          `json:"user_id"`
	RequiredCredentialKeys []string        `json:"required_credential_keys"`
}

// orchestrate runs a single pattern block without any Design DAG
// around it, the entry point spec.md calls out separately from full
// Design execution.
func (h *handler) orchestrate(c *gin.Context) {
	var req orchestrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}

	block := types.Block{
		ID:                     "root",
		Type:                   req.Type,
		Agents:                 req.Agents,
		Task:                   req.Task,
		IsolateAgentWorkspaces: req.IsolateAgentWorkspaces,
		GitRepo:                req.GitRepo,
		Rounds:                 req.Rounds,
		Aggregator:             req.Aggregator,
		Manager:                req.Manager,
		Router:                 req.Router,
		Moderator:              req.Moderator,
		Reflector:              req.Reflector,
	}
	d := types.Design{Blocks: []types.Block{block}}

	executionID := uuid.New().String()
	result, err := h.deps.Executor.Run(c.Request.Context(), d, req.Task, executionID, req.UserID, req.RequiredCredentialKeys)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"execution_id": executionID, "error": err.Error(), "trace": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": executionID, "result": result})
}
