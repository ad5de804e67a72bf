package middleware

import (
	"net/http"
	"strings"

	"notify-service/internal/auth"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

type AuthMiddleware struct {
	verifier     auth.Verifier
	isPrivileged func(role string) bool
}

// NewAuthMiddleware checks bearer tokens with verifier. isPrivileged decides
// which roles pass RequirePrivileged.
func NewAuthMiddleware(verifier auth.Verifier, isPrivileged func(role string) bool) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:     verifier,
		isPrivileged: isPrivileged,
	}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required"})
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header must be a bearer token"})
			return
		}

		identity, err := am.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequirePrivileged must run after RequireAuth.
func (am *AuthMiddleware) RequirePrivileged() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if am.isPrivileged == nil || !am.isPrivileged(identity.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "privileged role required"})
			return
		}
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := v.(auth.Identity)
	return identity, ok
}
