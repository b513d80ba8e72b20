package mw

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"festival-live-backend/internal/model"
	"festival-live-backend/internal/session"
)

const identityKey = "identity"

// Session resolves the bearer token, if any, into an identity stored on the
// request context. Invalid tokens are treated as anonymous.
func Session(v *session.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := v.ResolveIdentity(session.BearerToken(c.GetHeader("Authorization")))
		c.Set(identityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity set by Session, or Anonymous.
func IdentityFrom(c *gin.Context) model.Identity {
	if v, ok := c.Get(identityKey); ok {
		if identity, ok := v.(model.Identity); ok {
			return identity
		}
	}
	return model.Anonymous
}

// RequireUser rejects anonymous requests with 401.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IdentityFrom(c).IsAnonymous() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Next()
	}
}

// RequireRole rejects anonymous requests with 401 and users outside roles
// with 403.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := IdentityFrom(c)
		if identity.IsAnonymous() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if !slices.Contains(roles, identity.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
