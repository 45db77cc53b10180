package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charaforge/internal/config"
	"charaforge/internal/model"
	"charaforge/pkg/identity"
	"charaforge/pkg/textutil"

	"go.uber.org/zap"
)

// ============================================================================
// 登录防爆破
// ============================================================================
//
//   Open --窗口内失败次数达到阈值--> Locked --locked_until 到期 / 登录成功--> Open
//
// 失败次数按邮箱和按来源 IP 分别统计，取较大值：
//   - 一个 IP 换着邮箱撞库，IP 计数会先到阈值
//   - 很多 IP 轮流撞同一个邮箱，邮箱计数会先到阈值
//
// 这里的邮箱只做 trim + 小写，不做别名折叠（别名折叠是 IdentityService 的事）。
// 锁是否生效每次都按 now < locked_until 现算，不缓存，也不需要后台清理。
// ============================================================================

type AttemptStore interface {
	Create(ctx context.Context, attempt *model.LoginAttempt) error
	CountFailuresByEmailSince(ctx context.Context, email string, since time.Time) (int64, error)
	CountFailuresByIPSince(ctx context.Context, ip string, since time.Time) (int64, error)
	DeleteFailuresByEmail(ctx context.Context, email string) error
}

type LockStore interface {
	Get(ctx context.Context, email string) (*model.AccountLock, error)
	Upsert(ctx context.Context, lock *model.AccountLock) error
	Delete(ctx context.Context, email string) error
}

// LockCheck CheckAndLockIfNeeded 的结果
type LockCheck struct {
	ShouldLock        bool
	RemainingAttempts int
}

type LoginGuard struct {
	attempts     AttemptStore
	locks        LockStore
	maxAttempts  int
	window       time.Duration
	lockDuration time.Duration
	now          func() time.Time
}

func NewLoginGuard(attempts AttemptStore, locks LockStore, cfg config.GuardConfig) *LoginGuard {
	return &LoginGuard{
		attempts:     attempts,
		locks:        locks,
		maxAttempts:  cfg.MaxLoginAttempts,
		window:       cfg.AttemptWindow,
		lockDuration: cfg.LockDuration,
		now:          time.Now,
	}
}

// RecordAttempt 追加一条登录记录。写入失败只打日志，不影响登录流程。
func (g *LoginGuard) RecordAttempt(ctx context.Context, email, ip string, success bool, userAgent string) {
	attempt := &model.LoginAttempt{
		Email:     identity.Sanitize(email),
		IPAddress: attemptIP(ip),
		Success:   success,
		UserAgent: textutil.Clip(userAgent, maxUserAgentBytes),
		CreatedAt: g.now().UTC(),
	}
	if err := g.attempts.Create(ctx, attempt); err != nil {
		zap.L().Warn("记录登录尝试失败",
			zap.String("email", attempt.Email),
			zap.String("ip", attempt.IPAddress),
			zap.Bool("success", success),
			zap.Error(err))
	}
}

// IsLocked 锁记录存在且 now < locked_until 才算锁定
func (g *LoginGuard) IsLocked(ctx context.Context, email string) (bool, error) {
	lock, err := g.locks.Get(ctx, identity.Sanitize(email))
	if err != nil {
		return false, fmt.Errorf("查询登录锁失败: %w", err)
	}
	return lock.Active(g.now()), nil
}

// CheckAndLockIfNeeded 统计窗口内失败次数，达到阈值则锁定
//
// 锁定时长从越过阈值的这一刻开始计算。已经处于锁定中的不会被延长。
func (g *LoginGuard) CheckAndLockIfNeeded(ctx context.Context, email, ip string) (LockCheck, error) {
	email = identity.Sanitize(email)
	ip = attemptIP(ip)
	now := g.now()
	since := now.Add(-g.window).UTC()

	byEmail, err := g.attempts.CountFailuresByEmailSince(ctx, email, since)
	if err != nil {
		return LockCheck{}, fmt.Errorf("统计邮箱失败次数失败: %w", err)
	}
	byIP, err := g.attempts.CountFailuresByIPSince(ctx, ip, since)
	if err != nil {
		return LockCheck{}, fmt.Errorf("统计IP失败次数失败: %w", err)
	}

	failures := byEmail
	if byIP > failures {
		failures = byIP
	}

	if failures < int64(g.maxAttempts) {
		return LockCheck{RemainingAttempts: g.maxAttempts - int(failures)}, nil
	}

	existing, err := g.locks.Get(ctx, email)
	if err != nil {
		return LockCheck{}, fmt.Errorf("查询登录锁失败: %w", err)
	}
	if existing.Active(now) {
		return LockCheck{ShouldLock: true}, nil
	}

	lock := &model.AccountLock{
		Email:       email,
		LockedAt:    now.UTC(),
		LockedUntil: now.Add(g.lockDuration).UTC(),
		Reason:      fmt.Sprintf("%d failed login attempts within %s", failures, g.window),
	}
	if err := g.locks.Upsert(ctx, lock); err != nil {
		return LockCheck{}, fmt.Errorf("写入登录锁失败: %w", err)
	}

	zap.L().Warn("账号已锁定",
		zap.String("email", email),
		zap.String("ip", ip),
		zap.Int64("failures_by_email", byEmail),
		zap.Int64("failures_by_ip", byIP),
		zap.Time("locked_until", lock.LockedUntil))

	return LockCheck{ShouldLock: true}, nil
}

// ClearAttempts 登录成功后清空失败记录和锁
func (g *LoginGuard) ClearAttempts(ctx context.Context, email string) error {
	email = identity.Sanitize(email)
	if err := g.attempts.DeleteFailuresByEmail(ctx, email); err != nil {
		return fmt.Errorf("清理失败记录失败: %w", err)
	}
	if err := g.locks.Delete(ctx, email); err != nil {
		return fmt.Errorf("清理登录锁失败: %w", err)
	}
	return nil
}

// 与 login_attempt 表的列宽一致
const (
	maxIPBytes        = 64
	maxUserAgentBytes = 512
)

// attemptIP 写入和统计必须用同一个值，否则计数对不上
func attemptIP(ip string) string {
	return textutil.Clip(strings.TrimSpace(ip), maxIPBytes)
}
