// Package auth resolves the acting address of a request.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	// HeaderCaller carries the acting address on every mutating request.
	HeaderCaller = "X-Caller-Address"
	// HeaderAdminSecret guards development-only admin routes.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyCaller is the key for storing the caller address in gin context
	ContextKeyCaller = "callerAddr"
)

// Middleware reads the caller header and, when it holds a well-formed
// address, stores its lowercase form in the gin context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := strings.TrimSpace(c.GetHeader(HeaderCaller)); strings.HasPrefix(raw, "0x") && common.IsHexAddress(raw) {
			c.Set(ContextKeyCaller, strings.ToLower(common.HexToAddress(raw).Hex()))
		}
		c.Next()
	}
}

// RequireCaller rejects requests that did not name a valid caller.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Caller(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller address required. Include '" + HeaderCaller + ": 0x...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests without the configured admin secret. An
// empty secret disables the routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "admin routes are disabled",
			})
			return
		}
		given := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the caller address from context, or "" if none was given.
func Caller(c *gin.Context) string {
	return c.GetString(ContextKeyCaller)
}
