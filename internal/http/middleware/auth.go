package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/auth"
)

const (
	ContextIdentity = "identity"
	ContextRole     = "role"
)

type Authenticator interface {
	Authenticate(token string) (*auth.Claims, error)
}

func RequireAuth(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := authn.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(ContextIdentity, claims.Identity)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// Identity returns the authenticated caller set by RequireAuth.
func Identity(c *gin.Context) string {
	return c.GetString(ContextIdentity)
}
