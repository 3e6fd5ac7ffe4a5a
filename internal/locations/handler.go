package locations

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carelink/backend/internal/middleware"
	"github.com/carelink/backend/internal/models"
	"github.com/carelink/backend/pkg/response"
)

// RegionResolver turns coordinates into a human-readable region name.
// Best-effort: an empty string means the region is unknown.
type RegionResolver interface {
	Region(ctx context.Context, lat, lng float64) string
}

// Handler exposes the user location endpoints.
type Handler struct {
	repo    *Repository
	geocode RegionResolver
	logger  *zap.Logger
}

// NewHandler creates the location handler.
func NewHandler(repo *Repository, geocode RegionResolver, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, geocode: geocode, logger: logger}
}

type updateRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Update handles POST /me/location.
func (h *Handler) Update(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, response.CodeUnauthorized, "missing identity")
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Latitude == nil || req.Longitude == nil {
		response.BadRequest(c, "latitude/longitude required")
		return
	}
	if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
		response.BadRequest(c, "latitude/longitude out of range")
		return
	}

	loc := &models.UserLocation{
		UserID:    userID,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Region:    h.geocode.Region(c.Request.Context(), *req.Latitude, *req.Longitude),
	}
	if err := h.repo.Upsert(c.Request.Context(), loc); err != nil {
		h.logger.Error("location upsert failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "location update failed")
		return
	}
	response.OK(c, loc)
}

// Get handles GET /me/location.
func (h *Handler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, response.CodeUnauthorized, "missing identity")
		return
	}

	loc, err := h.repo.Get(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("location read failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "location read failed")
		return
	}
	response.OK(c, loc) // null when no location is recorded
}
