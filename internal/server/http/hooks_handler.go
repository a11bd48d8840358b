package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"warden/internal/logging"
	observer "warden/internal/observer/app"
	"warden/internal/observer/ports"
)

// HooksHandler converts inbound hook calls into queue operations.
//
// Hooks are fire-and-forget from the caller's perspective, but a persistence
// failure must surface as an HTTP error so the hook can report it: a 202 here
// is a promise the observation is durably committed.
type HooksHandler struct {
	manager *observer.Manager
	logger  logging.Logger
}

// NewHooksHandler creates the hook endpoint handler.
func NewHooksHandler(manager *observer.Manager) *HooksHandler {
	return &HooksHandler{
		manager: manager,
		logger:  logging.NewComponentLogger("HooksHandler"),
	}
}

// ObservationRequest is the body of POST /api/hooks/observation.
type ObservationRequest struct {
	SessionID    int64  `json:"session_id" binding:"required"`
	ToolName     string `json:"tool_name" binding:"required"`
	ToolInput    string `json:"tool_input"`
	ToolResponse string `json:"tool_response"`
	PromptNumber int    `json:"prompt_number"`
	Cwd          string `json:"cwd"`
}

// SummarizeRequest is the body of POST /api/hooks/summarize.
type SummarizeRequest struct {
	SessionID            int64  `json:"session_id" binding:"required"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

// HandleObservation handles POST /api/hooks/observation.
func (h *HooksHandler) HandleObservation(c *gin.Context) {
	var req ObservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.manager.QueueObservation(c.Request.Context(), req.SessionID, ports.ObservationPayload{
		ToolName:     req.ToolName,
		ToolInput:    req.ToolInput,
		ToolResponse: req.ToolResponse,
		PromptNumber: req.PromptNumber,
		Cwd:          req.Cwd,
	})
	if err != nil {
		h.logger.Error("Observation enqueue failed for session %d: %v", req.SessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist observation"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

// HandleSummarize handles POST /api/hooks/summarize.
func (h *HooksHandler) HandleSummarize(c *gin.Context) {
	var req SummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.QueueSummarize(c.Request.Context(), req.SessionID, req.LastAssistantMessage); err != nil {
		h.logger.Error("Summarize enqueue failed for session %d: %v", req.SessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist summarize request"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}
