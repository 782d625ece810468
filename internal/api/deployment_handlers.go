package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

type deploymentRequest struct {
	DesignID     string                 `json:"design_id" binding:"required"`
	EndpointPath string                 `json:"endpoint_path" binding:"required"`
	Status       types.DeploymentStatus `json:"status"`
	Schedule     *types.Schedule        `json:"schedule"`
}

func (h *handler) listDeployments(c *gin.Context) {
	deployments, err := h.deps.DeploymentStore.ListActive(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deployments})
}

func (h *handler) getDeployment(c *gin.Context) {
	d, err := h.deps.DeploymentStore.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// createDeployment persists a deployment, then registers its schedule
// if it has one. If registration fails the persisted row is deleted,
// the compensation half of spec.md §4.7's "remove-then-add with
// compensation" contract.
func (h *handler) createDeployment(c *gin.Context) {
	var req deploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}
	status := req.Status
	if status == "" {
		status = types.DeploymentActive
	}

	d := &types.Deployment{
		ID:           uuid.New().String(),
		DesignID:     req.DesignID,
		EndpointPath: req.EndpointPath,
		Status:       status,
		Schedule:     req.Schedule,
	}

	ctx := c.Request.Context()
	if err := h.deps.DeploymentStore.CreateDeployment(ctx, d); err != nil {
		respondError(c, err)
		return
	}

	if d.Status == types.DeploymentActive && d.Schedule != nil {
		if err := h.deps.Scheduler.Register(d); err != nil {
			if delErr := h.deps.DeploymentStore.DeleteDeployment(ctx, d.ID); delErr != nil {
				h.logger.Error("failed to compensate after schedule registration failure",
					zap.String("deployment_id", d.ID), zap.Error(delErr))
			}
			respondError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, d)
}

// updateDeployment rewrites a deployment and re-registers its
// schedule. The old row is kept in memory so a failed registration can
// be rolled back without a second read.
func (h *handler) updateDeployment(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	previous, err := h.deps.DeploymentStore.GetDeployment(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	var req deploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}

	updated := *previous
	updated.DesignID = req.DesignID
	updated.EndpointPath = req.EndpointPath
	updated.Schedule = req.Schedule
	if req.Status != "" {
		updated.Status = req.Status
	}

	if err := h.deps.DeploymentStore.UpdateDeployment(ctx, &updated); err != nil {
		respondError(c, err)
		return
	}

	if updated.Status == types.DeploymentActive && updated.Schedule != nil {
		if err := h.deps.Scheduler.Register(&updated); err != nil {
			if rollbackErr := h.deps.DeploymentStore.UpdateDeployment(ctx, previous); rollbackErr != nil {
				h.logger.Error("failed to roll back deployment after schedule registration failure",
					zap.String("deployment_id", id), zap.Error(rollbackErr))
			}
			respondError(c, err)
			return
		}
	} else {
		h.deps.Scheduler.Deregister(id)
	}

	c.JSON(http.StatusOK, &updated)
}

func (h *handler) deleteDeployment(c *gin.Context) {
	id := c.Param("id")
	h.deps.Scheduler.Deregister(id)
	if err := h.deps.DeploymentStore.DeleteDeployment(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// executeDeployment runs a deployment on demand with trigger=manual,
// the same Execute path manual and scheduled dispatch share.
func (h *handler) executeDeployment(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := h.deps.DeploymentStore.GetDeployment(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "InvalidBody", "message": err.Error()}})
		return
	}

	result, execErr := h.deps.Dispatcher.Execute(ctx, d, types.TriggerManual, string(body))
	if execErr != nil {
		c.JSON(http.StatusOK, gin.H{"error": execErr.Error(), "trace": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *handler) listExecutions(c *gin.Context) {
	logs, err := h.deps.DeploymentStore.ListExecutions(c.Request.Context(), c.Param("id"), 50)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": logs})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch loomerr.KindOf(err) {
	case loomerr.KindEndpointNotFound:
		status = http.StatusNotFound
	case loomerr.KindEndpointConflict:
		status = http.StatusConflict
	case loomerr.KindValidation:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": gin.H{"code": loomerr.KindOf(err), "message": err.Error()}})
}
