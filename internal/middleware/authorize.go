package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireRolesAny aborts with 403 unless the context carries at least one of
// the required roles (set by AuthMiddleware).
func RequireRolesAny(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, r := range required {
			if HasRole(c, r) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
		})
	}
}

// AdminForWrites lets safe methods through and requires one of roles for
// everything else.
func AdminForWrites(roles ...string) gin.HandlerFunc {
	guard := RequireRolesAny(roles...)
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			guard(c)
		}
	}
}
