package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// UserRegistrar records authenticated users so shares can target them.
type UserRegistrar func(c *gin.Context, id Identity)

// Middleware rejects requests without a valid token and stores the caller
// identity on the gin context. register, when non-nil, is called for every
// authenticated request.
func Middleware(i *Issuer, register UserRegistrar) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := i.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthenticated",
				"message": "missing or invalid access token",
			})
			return
		}
		if register != nil {
			register(c, id)
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// FromContext returns the identity stored by Middleware.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
