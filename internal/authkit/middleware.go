package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tyemirov/authpipe/pkg/sessionvalidator"
)

// RequireRole rejects requests whose validated claims lack the role. It must run after
// sessionvalidator's GinMiddleware with the same context key.
func RequireRole(contextKey string, role string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, ok := sessionvalidator.ClaimsFromContext(contextGin, contextKey)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if !claims.HasRole(role) {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing_role", "role": role})
			return
		}
		contextGin.Next()
	}
}
