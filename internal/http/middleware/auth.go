// README: Auth middleware verifying Firebase ID tokens and exposing the caller's uid and role.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/infra"
	"ridedispatch/internal/types"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"
)

// Auth rejects requests without a valid "Bearer <idToken>" header. The role
// comes from the token's "role" custom claim and defaults to rider.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claim, _ := token.Claims["role"].(string)
		role, ok := types.ParseRole(claim)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown role"})
			return
		}
		c.Set(ctxCallerUID, types.ID(token.UID))
		c.Set(ctxCallerRole, role)
		c.Next()
	}
}

// CallerUID returns the authenticated user id, or "" outside Auth.
func CallerUID(c *gin.Context) types.ID {
	v, _ := c.Get(ctxCallerUID)
	id, _ := v.(types.ID)
	return id
}

func CallerRole(c *gin.Context) types.Role {
	v, _ := c.Get(ctxCallerRole)
	role, _ := v.(types.Role)
	return role
}

// RequireRole lets only callers with one of roles through.
func RequireRole(roles ...types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not permitted"})
	}
}
