package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loomctl/loom/pkg/types"
)

type designRequest struct {
	Blocks      []types.Block      `json:"blocks"`
	Connections []types.Connection `json:"connections"`
}

func (h *handler) listDesigns(c *gin.Context) {
	designs, err := h.deps.DesignStore.ListDesigns(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"designs": designs})
}

func (h *handler) getDesign(c *gin.Context) {
	d, err := h.deps.DesignStore.GetDesign(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handler) createDesign(c *gin.Context) {
	var req designRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}
	d := &types.Design{ID: uuid.New().String(), Blocks: req.Blocks, Connections: req.Connections}
	if err := h.deps.DesignStore.CreateDesign(c.Request.Context(), d); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *handler) updateDesign(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	previous, err := h.deps.DesignStore.GetDesign(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	var req designRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}

	updated := previous
	updated.Blocks = req.Blocks
	updated.Connections = req.Connections
	updated.Version = previous.Version + 1

	if err := h.deps.DesignStore.UpdateDesign(ctx, &updated); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &updated)
}

func (h *handler) deleteDesign(c *gin.Context) {
	if err := h.deps.DesignStore.DeleteDesign(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type executeRequest struct {
	InitialTask            string   `json:"initial_task"`
	UserID                 string   `json:"user_id"`
	RequiredCredentialKeys []string `json:"required_credential_keys"`
}

// executeStoredDesign runs a persisted design by ID. The response's
// execution_id is the topic its events are published under on
// GET /stream/:topic; the ID is generated inside this request, so it
// is not known to the caller before the request is sent, and the event
// stream and the final result arrive independently.
func (h *handler) executeStoredDesign(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := h.deps.DesignStore.GetDesign(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.runDesign(c, d, "")
}

// executeInlineDesign runs an ad hoc design that is never persisted,
// the ungrounded counterpart spec.md's "Design execution" surface
// allows ({design, initial_task} with no prior CRUD step).
func (h *handler) executeInlineDesign(c *gin.Context) {
	var req struct {
		Design      designRequest `json:"design"`
		InitialTask string        `json:"initial_task"`
		UserID      string        `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}
	d := types.Design{Blocks: req.Design.Blocks, Connections: req.Design.Connections}
	h.runDesign(c, d, req.InitialTask)
}

func (h *handler) runDesign(c *gin.Context, d types.Design, fallbackInitialTask string) {
	var req executeRequest
	_ = c.ShouldBindJSON(&req)
	initialTask := req.InitialTask
	if initialTask == "" {
		initialTask = fallbackInitialTask
	}

	executionID := uuid.New().String()
	result, err := h.deps.Executor.Run(c.Request.Context(), d, initialTask, executionID, req.UserID, req.RequiredCredentialKeys)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"execution_id": executionID, "error": err.Error(), "trace": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": executionID, "result": result})
}
