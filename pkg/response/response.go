package response

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// 错误响应统一是 {"error": "..."}，按需附带 tokens / details / refunded / retry_after。
// 成功响应直接返回业务字段，不再包一层 code/data。

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func Error(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}

// InsufficientTokens 402，附带当前余额
func InsufficientTokens(c *gin.Context, message string, tokens int64) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":  message,
		"tokens": tokens,
	})
}

// GenerationFailed 500，tokens 是退款后的余额
func GenerationFailed(c *gin.Context, message, details string, tokens int64, refunded bool) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":    message,
		"details":  details,
		"tokens":   tokens,
		"refunded": refunded,
	})
}

// InvalidCredentials 401，附带锁定前剩余的尝试次数
func InvalidCredentials(c *gin.Context, message string, remainingAttempts int) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":              message,
		"remaining_attempts": remainingAttempts,
	})
}

// RateLimited 429，retry_after 和 Retry-After 头都按秒向上取整
func RateLimited(c *gin.Context, message string, retryAfter time.Duration) {
	seconds := int64(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.FormatInt(seconds, 10))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       message,
		"retry_after": seconds,
	})
}
