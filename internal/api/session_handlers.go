package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomctl/loom/internal/session"
)

type spawnRequest struct {
	WorkflowID string `json:"workflow_id" binding:"required"`
	UserID     string `json:"user_id" binding:"required"`
}

// spawnSession starts a new interactive instance and fans its events
// out onto the streaming hub under its own instance ID, so a caller
// that has already subscribed via GET /stream/:instance_id sees the
// same event trail a Subscribe call would observe directly.
func (h *handler) spawnSession(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}

	inst, err := h.deps.Session.Spawn(c.Request.Context(), req.WorkflowID, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	events, unsubscribe, err := h.deps.Session.Subscribe(inst.ID)
	if err == nil {
		go h.relaySessionEvents(inst.ID, events, unsubscribe)
	}

	c.JSON(http.StatusCreated, inst)
}

// relaySessionEvents forwards a Subscribe stream onto the streaming hub
// under the instance ID as topic, the same bridge design.Executor's Emit
// closure uses for execution events.
func (h *handler) relaySessionEvents(instanceID string, events <-chan session.Event, unsubscribe func()) {
	defer unsubscribe()
	for ev := range events {
		h.deps.Hub.Broadcast(instanceID, ev)
	}
}

func (h *handler) sendToSession(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "InvalidBody", "message": err.Error()}})
		return
	}
	if err := h.deps.Session.Send(c.Request.Context(), c.Param("id"), string(body)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) interruptSession(c *gin.Context) {
	if err := h.deps.Session.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) stopSession(c *gin.Context) {
	if err := h.deps.Session.Stop(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
