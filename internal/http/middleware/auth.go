// README: Bearer-token auth middleware and caller identity helpers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/infra"
	"agrimarket/internal/types"
)

const (
	ctxUID  = "caller_uid"
	ctxRole = "caller_role"
)

// Auth verifies the Authorization bearer token and stores the caller's uid and role on the context.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, token.Role())
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed. Admins pass every check.
func RequireRole(roles ...types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := types.Role(CallerRole(c))
		if role == types.RoleAdmin {
			c.Next()
			return
		}
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not allowed"})
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// Caller returns the authenticated actor.
func Caller(c *gin.Context) types.Actor {
	return types.Actor{ID: types.ID(CallerUID(c)), Role: types.Role(CallerRole(c))}
}
