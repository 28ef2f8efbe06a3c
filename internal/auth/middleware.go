package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meristem/core/internal/apperr"
)

const claimsContextKey = "auth.claims"

// RequireAuth extracts and validates a Bearer token, populating the
// request context with its Claims on success. There is no
// session-store lookup or disabled-user re-check; the Core has no
// user session table, so the token is the whole story.
func RequireAuth(jwt *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondUnauthorized(c)
			return
		}
		claims, err := jwt.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			respondUnauthorized(c)
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireSuperadminMiddleware gates superadmin-only routes (e.g.
// /metrics).
func RequireSuperadminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := ClaimsFromContext(c)
		if err := RequireSuperadmin(claims); err != nil {
			de := err.(*apperr.DomainError)
			c.AbortWithStatusJSON(de.StatusCode, de.ToResponse())
			return
		}
		c.Next()
	}
}

// ClaimsFromContext retrieves the Claims RequireAuth attached, if any.
func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

func respondUnauthorized(c *gin.Context) {
	de := apperr.New(apperr.Unauthorized, "missing or invalid bearer token")
	c.AbortWithStatusJSON(http.StatusUnauthorized, de.ToResponse())
}
