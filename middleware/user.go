package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const UserIDHeader = "X-User-ID"

// RequireUser extracts the caller identity from the X-User-ID header. The
// service runs behind an authenticating gateway; the header is trusted here.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code": "missing_user",
				"message":    "X-User-ID header is required",
			})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

// GetUserID retrieves the caller identity from context.
func GetUserID(c *gin.Context) string {
	if id, exists := c.Get("user_id"); exists {
		if str, ok := id.(string); ok {
			return str
		}
	}
	return ""
}
