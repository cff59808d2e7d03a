// Package auth gates the REST API behind hashed API keys. Keys arrive in
// X-API-Key or as a bearer token; a bcrypt-hashed bootstrap key from the
// environment lets an operator mint the first real key remotely.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/spullara/k7/internal/keystore"
	"github.com/spullara/k7/pkg/model"
)

const (
	HeaderAPIKey = "X-API-Key"

	ContextKeyName   = "auth_key_name"
	ContextKeyMethod = "auth_method"

	MethodAPIKey    = "api_key"
	MethodBootstrap = "bootstrap"
)

// Middleware authenticates every request against the key store. When
// bootstrapHash is non-empty, a key matching that bcrypt hash is also
// accepted; an empty hash disables the bootstrap path entirely.
func Middleware(keys *keystore.Store, bootstrapHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := presentedKey(c)
		if presented == "" {
			abortUnauthorized(c, "authentication required")
			return
		}

		if meta, err := keys.Verify(presented); err == nil {
			c.Set(ContextKeyMethod, MethodAPIKey)
			c.Set(ContextKeyName, meta.Name)
			c.Next()
			return
		}

		if bootstrapHash != "" &&
			bcrypt.CompareHashAndPassword([]byte(bootstrapHash), []byte(presented)) == nil {
			c.Set(ContextKeyMethod, MethodBootstrap)
			c.Set(ContextKeyName, "bootstrap")
			c.Next()
			return
		}

		abortUnauthorized(c, "invalid or expired API key")
	}
}

// presentedKey pulls the key from X-API-Key first, then from a Bearer
// authorization header. Shell clients that cannot set custom headers use
// the bearer form.
func presentedKey(c *gin.Context) string {
	if key := c.GetHeader(HeaderAPIKey); key != "" {
		return key
	}
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": model.ErrorBody{Code: model.CodeUnauthorized, Message: message},
	})
}
