package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"warden/internal/logging"
	serverapp "warden/internal/server/app"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSHandler upgrades dashboard connections and pumps status events to them.
type WSHandler struct {
	broadcaster *serverapp.StatusBroadcaster
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

// NewWSHandler creates the dashboard websocket handler.
func NewWSHandler(broadcaster *serverapp.StatusBroadcaster) *WSHandler {
	return &WSHandler{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon binds to loopback only; the dashboard is served from
			// the same host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.NewComponentLogger("WSHandler"),
	}
}

// HandleDashboardFeed handles GET /ws.
func (h *WSHandler) HandleDashboardFeed(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}

	events := h.broadcaster.Register()
	done := make(chan struct{})

	// Reader exists only to observe the close handshake.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			h.broadcaster.Unregister(events)
			_ = conn.Close()
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					h.logger.Debug("Dashboard write failed, dropping client: %v", err)
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}
