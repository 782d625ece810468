package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamTopic upgrades the connection and subscribes the new client to
// :topic, an execution ID (design/orchestration runs) or an instance ID
// (interactive sessions). The empty topic is reserved for "every event"
// and is not reachable through this path param route.
func (h *handler) streamTopic(c *gin.Context) {
	topic := c.Param("topic")
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": "topic is required"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade stream connection", zap.String("topic", topic), zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.New().String(), conn, h.deps.Hub, h.logger)
	h.deps.Hub.Register(client)
	client.Subscribe(topic)

	go client.WritePump()
	client.ReadPump()
}
