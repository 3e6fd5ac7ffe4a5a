package match

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/backend/internal/middleware"
	"github.com/carelink/backend/pkg/response"
)

// Presence exposes the live peer count for status responses.
type Presence interface {
	Get(ctx context.Context, sessionID uuid.UUID) (int64, error)
}

// Handler exposes the match HTTP endpoints.
type Handler struct {
	service  *Service
	presence Presence
	logger   *zap.Logger
}

// NewHandler creates the match handler.
func NewHandler(service *Service, presence Presence, logger *zap.Logger) *Handler {
	return &Handler{service: service, presence: presence, logger: logger}
}

// Request handles POST /match/request.
func (h *Handler) Request(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, response.CodeUnauthorized, "missing identity")
		return
	}

	result, err := h.service.RequestMatch(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("match request failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "match request failed, retry")
		return
	}
	response.OK(c, result)
}

type endRequest struct {
	SessionID string `json:"sessionId"`
}

// End handles POST /match/end.
func (h *Handler) End(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, response.CodeUnauthorized, "missing identity")
		return
	}

	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		response.BadRequest(c, "sessionId is required")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		response.BadRequest(c, "invalid sessionId")
		return
	}

	if _, err := h.service.End(c.Request.Context(), userID, sessionID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			response.NotFound(c, "session not found")
		case errors.Is(err, ErrForbidden):
			response.Forbidden(c, "not your session")
		default:
			h.logger.Error("match end failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			response.Internal(c, "match end failed")
		}
		return
	}
	response.OK(c, gin.H{"ended": true})
}

// Status handles GET /match/:id.
func (h *Handler) Status(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, response.CodeUnauthorized, "missing identity")
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}

	status, err := h.service.Status(c.Request.Context(), userID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			response.NotFound(c, "session not found")
		case errors.Is(err, ErrForbidden):
			response.Forbidden(c, "not your session")
		default:
			h.logger.Error("session status failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			response.Internal(c, "session status failed")
		}
		return
	}

	peerCount, err := h.presence.Get(c.Request.Context(), sessionID)
	if err != nil {
		// Presence is best-effort decoration on a status read.
		h.logger.Warn("presence read failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	response.OK(c, gin.H{
		"sessionId": status.SessionID,
		"status":    status.Status,
		"peerId":    status.PeerID,
		"peerCount": peerCount,
	})
}
