package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/agendapos/agendapos/internal/auth"
	"github.com/agendapos/agendapos/internal/config"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/gin-gonic/gin"
)

// AuthenticateMiddleware authenticates requests based on either:
// 1. JWT token in the Authorization header as a Bearer token
// 2. API key in the configured header
// It sets the user ID and tenant ID in the request context for downstream handlers
func AuthenticateMiddleware(cfg *config.Configuration, logger *logger.Logger) gin.HandlerFunc {
	authProvider := auth.NewProvider(cfg)

	return func(c *gin.Context) {
		if cfg.Auth.APIKeyHeader != "" {
			if apiKey := c.GetHeader(cfg.Auth.APIKeyHeader); apiKey != "" {
				tenantID, userID, valid := auth.ValidateAPIKey(cfg, apiKey)
				if !valid {
					logger.Debugw("invalid api key")
					c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
					c.Abort()
					return
				}

				ctx := c.Request.Context()
				ctx = context.WithValue(ctx, types.CtxTenantID, tenantID)
				ctx = context.WithValue(ctx, types.CtxUserID, userID)
				c.Request = c.Request.WithContext(ctx)
				c.Next()
				return
			}
		}

		authHeader := c.GetHeader(types.HeaderAuthorization)
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := authProvider.ValidateToken(c.Request.Context(), tokenString)
		if err != nil {
			logger.Errorw("failed to validate token", "error", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}
		if claims == nil || claims.UserID == "" || claims.TenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, types.CtxUserID, claims.UserID)
		ctx = context.WithValue(ctx, types.CtxTenantID, claims.TenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CronAuthMiddleware guards the scheduled endpoints with a shared bearer
// secret. Cron requests run without a tenant; services scope work per row.
func CronAuthMiddleware(cfg *config.Configuration, logger *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Auth.CronSecret == "" {
			logger.Errorw("cron secret is not configured")
			c.JSON(http.StatusForbidden, gin.H{"error": "Cron endpoints are disabled"})
			c.Abort()
			return
		}

		authHeader := c.GetHeader(types.HeaderAuthorization)
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Auth.CronSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}
