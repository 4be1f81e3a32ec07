package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/run/models"
)

// wsWriteTimeout bounds one frame write to a live-follow client.
const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon listens on loopback; browsers are not the audience.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// followWebSocket serves GET /v1/runs/{id}/ws: the live event stream as
// JSON envelope frames, no replay. Clients that need history use the SSE
// endpoint.
func (h *Handler) followWebSocket(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	if run.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "run_already_completed"})
		return
	}

	sub, dispose := h.broadcaster.Subscribe(run.RunID)
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		dispose()
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer dispose()
	defer func() { _ = conn.Close() }()

	// Discard client frames but notice the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, open := <-sub:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
			if env.Type == models.EventRunCompleted || env.Type == models.EventRunPaused {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
