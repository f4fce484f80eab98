package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
)

const userIDKey = "aidanna.user_id"

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if userID, ok := c.Get(userIDKey); ok {
			fields = append(fields, zap.Any("user_id", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// authenticate verifies the bearer token when auth is enabled and stores the subject.
func (h *Handler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.auth == nil {
			c.Next()
			return
		}

		token := parseAuthorizationToken(c.GetHeader("Authorization"))
		if token == "" {
			// browsers cannot set headers on websocket upgrades
			token = strings.TrimSpace(c.Query("access_token"))
		}
		if token == "" {
			h.writeError(c, apperror.New(apperror.KindUnauthorized, "authorization token is required"))
			return
		}

		claims, err := h.auth.VerifyToken(token)
		if err != nil {
			h.writeError(c, apperror.Wrap(apperror.KindUnauthorized, "invalid or expired token", err))
			return
		}

		c.Set(userIDKey, claims.Subject)
		c.Next()
	}
}

var errUserMismatch = errors.New("userId does not match the authenticated user")

// callerID resolves the acting user. With auth enabled the token subject wins and a
// conflicting supplied id is rejected.
func callerID(c *gin.Context, supplied string) (string, error) {
	supplied = strings.TrimSpace(supplied)
	subject, ok := c.Get(userIDKey)
	if !ok {
		if supplied == "" {
			return "", apperror.InvalidInput("userId is required")
		}
		return supplied, nil
	}

	id, _ := subject.(string)
	if supplied != "" && supplied != id {
		return "", apperror.Wrap(apperror.KindForbidden, errUserMismatch.Error(), errUserMismatch)
	}
	return id, nil
}

func parseAuthorizationToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}

	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}

	return ""
}
