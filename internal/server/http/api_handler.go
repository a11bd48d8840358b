package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"warden/internal/logging"
	observer "warden/internal/observer/app"
)

// APIHandler serves the read-only dashboard queries and session deletion.
type APIHandler struct {
	manager *observer.Manager
	logger  logging.Logger
}

// NewAPIHandler creates the dashboard API handler.
func NewAPIHandler(manager *observer.Manager) *APIHandler {
	return &APIHandler{
		manager: manager,
		logger:  logging.NewComponentLogger("APIHandler"),
	}
}

// HandleStats handles GET /api/stats.
func (h *APIHandler) HandleStats(c *gin.Context) {
	stats, err := h.manager.GetStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Stats query failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}

	busy, err := h.manager.IsProcessing(c.Request.Context())
	if err != nil {
		h.logger.Error("Pending-work query failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active_sessions":       stats.ActiveSessions,
		"active_consumers":      stats.ActiveConsumers,
		"total_queue_depth":     stats.TotalQueueDepth,
		"oldest_session_age_ms": stats.OldestSessionAge.Milliseconds(),
		"failed_items":          stats.FailedItems,
		"processing":            busy,
	})
}

// HandleQueueDepth handles GET /api/sessions/:id/queue.
func (h *APIHandler) HandleQueueDepth(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}

	depth, err := h.manager.PendingCount(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("Queue depth query failed for session %d: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue depth unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "depth": depth})
}

// HandleDeleteSession handles DELETE /api/sessions/:id.
func (h *APIHandler) HandleDeleteSession(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}

	if err := h.manager.Delete(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("Session delete failed for %d: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleHealth handles GET /api/health.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandler) sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}
