package handler

import (
	"context"
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"charaforge/internal/service"
	"charaforge/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ctxUserID = "user_id"

// RateGuardAPI 由 service.RateGuard 实现
type RateGuardAPI interface {
	CheckRateLimit(ctx context.Context, identifier string, class service.EndpointClass) service.RateDecision
	CheckBlocklist(ctx context.Context, ip string) error
}

// TokenParser 由 service.TokenManager 实现
type TokenParser interface {
	Parse(tokenString string) (*service.Claims, error)
}

// LoggerMiddleware 请求日志
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}
		if uid := c.GetString(ctxUserID); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}

		switch {
		case status >= 500:
			zap.L().Error("[HTTP]", fields...)
		case status >= 400:
			zap.L().Warn("[HTTP]", fields...)
		default:
			zap.L().Info("[HTTP]", fields...)
		}
	}
}

// RecoveryMiddleware 防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				zap.L().Error("[PANIC]", zap.Any("error", err), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
				response.ServerError(c, "Internal server error")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// BlocklistMiddleware 黑名单里的 IP 一律 403，和限流结果无关
func BlocklistMiddleware(guard RateGuardAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := guard.CheckBlocklist(c.Request.Context(), c.ClientIP()); err != nil {
			response.Forbidden(c, service.ErrAccessDenied.Error())
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware 按 (来源 IP, 接口类别) 的滑动窗口限流
func RateLimitMiddleware(guard RateGuardAPI, class service.EndpointClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := guard.CheckRateLimit(c.Request.Context(), c.ClientIP(), class)
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))

		if !decision.Allowed {
			response.RateLimited(c, service.ErrRateLimited.Error(), decision.RetryAfter)
			return
		}
		c.Next()
	}
}

// AuthMiddleware 校验 Bearer token，把 user_id 放进上下文
func AuthMiddleware(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			response.Unauthorized(c, service.ErrUnauthorized.Error())
			return
		}

		claims, err := tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			response.Unauthorized(c, service.ErrUnauthorized.Error())
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

// InternalAPIKeyMiddleware 内部接口只接受配置里的 API key
func InternalAPIKeyMiddleware(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader("X-API-Key")
		if given == "" || !validAPIKey(keys, given) {
			response.Unauthorized(c, service.ErrUnauthorized.Error())
			return
		}
		c.Next()
	}
}

func validAPIKey(keys []string, given string) bool {
	matched := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		matched |= subtle.ConstantTimeCompare([]byte(k), []byte(given))
	}
	return matched == 1
}

func currentUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
