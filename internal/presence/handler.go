package presence

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/backend/internal/middleware"
	"github.com/carelink/backend/pkg/response"
)

// Handler exposes the liveness ping endpoints.
type Handler struct {
	tracker *Tracker
	logger  *zap.Logger
}

// NewHandler creates the presence handler.
func NewHandler(tracker *Tracker, logger *zap.Logger) *Handler {
	return &Handler{tracker: tracker, logger: logger}
}

// Ping handles POST /me/presence/ping.
func (h *Handler) Ping(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, response.CodeUnauthorized, "missing identity")
		return
	}
	if err := h.tracker.Ping(c.Request.Context(), userID); err != nil {
		h.logger.Error("presence ping failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "presence ping failed")
		return
	}
	response.OK(c, gin.H{"ok": true})
}

// Alive handles GET /users/:id/alive.
func (h *Handler) Alive(c *gin.Context) {
	if _, ok := middleware.UserID(c); !ok {
		response.Unauthorized(c, response.CodeUnauthorized, "missing identity")
		return
	}
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	alive, err := h.tracker.Alive(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("presence read failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "presence read failed")
		return
	}
	response.OK(c, gin.H{"alive": alive})
}
