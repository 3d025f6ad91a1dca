package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	commonauth "attach_server/server/common/auth"
	"attach_server/server/common/transport/httpresp"
)

const identityKey = "auth_identity"

type tokenAuth interface {
	ParseIdentity(token string) (commonauth.Identity, error)
}

func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.CategoryUnauthorized, httpresp.ErrMissingBearerToken))
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		identity, err := auth.ParseIdentity(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.CategoryUnauthorized, httpresp.ErrInvalidToken))
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the caller set by AuthRequired.
func IdentityFrom(c *gin.Context) (commonauth.Identity, bool) {
	raw, ok := c.Get(identityKey)
	if !ok {
		return commonauth.Identity{}, false
	}
	identity, ok := raw.(commonauth.Identity)
	if !ok || identity.UserID == "" {
		return commonauth.Identity{}, false
	}
	return identity, true
}
