package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/carelink/backend/internal/auth"
	"github.com/carelink/backend/pkg/response"
)

// ContextUserID is the key for the verified user id in gin context.
const ContextUserID = "user_id"

// JWT returns a middleware that validates the bearer credential and sets the
// verified user id in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, response.CodeUnauthorized, "Authorization header missing")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, response.CodeUnauthorized, "invalid authorization header")
			c.Abort()
			return
		}
		userID, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, response.CodeInvalidToken, "Invalid token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID extracts the verified user id set by the JWT middleware.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
