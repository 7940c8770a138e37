package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voragate/gateway/internal/store"
	"github.com/voragate/gateway/pkg/api"
)

// Auth requires a Bearer token from the configured key set. The caller
// identity for budget and rate accounting travels in X-Caller-Key; absent
// that header the token itself identifies the caller.
func Auth(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Message: "missing Authorization header"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Message: "authorization must be a Bearer token"})
			return
		}

		token := parts[1]
		valid := false
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
				valid = true
				break
			}
		}
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Message: "invalid API key"})
			return
		}

		caller := c.GetHeader("X-Caller-Key")
		if caller == "" {
			caller = token
		}
		ctx := context.WithValue(c.Request.Context(), store.ContextKeyCallerKey, caller)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// CallerKey reads the authenticated caller identity set by Auth.
func CallerKey(c *gin.Context) string {
	if v, ok := c.Request.Context().Value(store.ContextKeyCallerKey).(string); ok {
		return v
	}
	return ""
}
