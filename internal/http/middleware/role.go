package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// Role returns the caller role stored by RequireAuth, or "" when anonymous.
func Role(c *gin.Context) string {
	return c.GetString(ContextRole)
}

// RequireRole must run after RequireAuth.
func RequireRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if role := Role(c); role == "" || !slices.Contains(allowed, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
