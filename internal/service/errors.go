package service

import (
	"errors"
	"fmt"
)

// 对外错误，handler 用 errors.Is 映射状态码。文案会直接返回给客户端。
var (
	ErrInvalidInput       = errors.New("Invalid input")
	ErrUnauthorized       = errors.New("Unauthorized")
	ErrInvalidCredentials = errors.New("Invalid email or password")
	ErrInsufficientTokens = errors.New("Insufficient tokens")
	ErrAccountLocked      = errors.New("Account temporarily locked due to too many failed login attempts")
	ErrAliasAbuseDetected = errors.New("This email address is already registered under a different spelling")
	ErrEmailTaken         = errors.New("Email already registered")
	ErrRateLimited        = errors.New("Too many requests")
	ErrAccessDenied       = errors.New("Access denied")
	ErrGenerationFailed   = errors.New("Generation failed")
	ErrAccountNotFound    = errors.New("Account not found")
	ErrPackageNotFound    = errors.New("Package not found")
	ErrAdRewardLimit      = errors.New("Daily ad reward limit reached")
	ErrBusy               = errors.New("Request in progress, please retry")
)

// GenerationError 生成失败。UserMessage 可以展示给用户，Details 只用于排查。
type GenerationError struct {
	UserMessage string
	Details     string
	Tokens      int64 // 退款后的余额；退款失败时为扣费后的余额
	Refunded    bool
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (refunded=%t): %s", e.Refunded, e.Details)
}

func (e *GenerationError) Unwrap() error {
	return ErrGenerationFailed
}

// InsufficientTokensError 余额不足，携带当前余额给 402 响应使用
type InsufficientTokensError struct {
	Tokens   int64
	Required int64
}

func (e *InsufficientTokensError) Error() string {
	return ErrInsufficientTokens.Error()
}

func (e *InsufficientTokensError) Unwrap() error {
	return ErrInsufficientTokens
}
