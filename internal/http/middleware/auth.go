// Package middleware contains shared Gin middleware for the HTTP layer.
//
// This file guards operational endpoints (the batch trigger) with a shared
// secret carried as a bearer token. It is a coarse machine-to-machine check,
// not a user auth system.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SharedSecret returns a middleware that requires "Authorization: Bearer
// <secret>" to match the configured value. An empty configured secret locks
// the endpoint entirely rather than leaving it open.
func SharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if secret == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "invalid or missing credentials",
			})
			return
		}
		c.Next()
	}
}
