// Package middleware provides the gin middleware chain the transport
// wraps every route with: structured request logging, permissive CORS
// for the operator tooling, and bearer-token authentication guarding
// the tool dispatch surface.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tidewayhq/tideway/internal/platform/logger"
)

// RequestID assigns a UUID to every request, exposed as X-Request-Id on
// the response and recorded as request_id in the Logger middleware's
// per-request log line.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set("requestID", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// Logger logs each request's method, path, status, and latency at
// Info, or Warn for 4xx/5xx responses.
func Logger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		requestID, _ := c.Get("requestID")
		fields := []any{"method", c.Request.Method, "path", path, "status", status, "latency", latency.String(), "request_id", requestID}
		if status >= 400 {
			log.Warn("request completed with error status", fields...)
			return
		}
		log.Info("request completed", fields...)
	}
}

// CORS allows any origin; the controller is an internal operator tool,
// not a public API, so cross-origin restriction buys no real isolation
// here.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Auth requires a valid HS256 bearer token signed with secret. An empty
// secret disables auth entirely (used for local/dev runs).
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
