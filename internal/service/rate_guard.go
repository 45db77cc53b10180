package service

import (
	"context"
	"time"

	"charaforge/internal/config"
	"charaforge/internal/model"
	"charaforge/internal/repository"

	"go.uber.org/zap"
)

// EndpointClass 限流分类，每类有独立的窗口和上限
type EndpointClass string

const (
	ClassAuth       EndpointClass = "auth"
	ClassPayment    EndpointClass = "payment"
	ClassGeneration EndpointClass = "generation"
	ClassGeneral    EndpointClass = "general"
)

// RateWindowStore 由 repository.RateWindowStore 实现，判定和记录必须是原子的
type RateWindowStore interface {
	Admit(ctx context.Context, class, identifier string, now time.Time, window time.Duration, max int) (repository.WindowResult, error)
}

type BlocklistStore interface {
	Find(ctx context.Context, ip string, now time.Time) (*model.BlockedIP, error)
}

// RateDecision 限流判定结果
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateGuard 入口限流 + IP 黑名单
//
// 两项检查在存储出错时都放行：可用性优先于严格拦截。
type RateGuard struct {
	windows   RateWindowStore
	blocklist BlocklistStore
	limits    config.RateLimitConfig
	now       func() time.Time
}

func NewRateGuard(windows RateWindowStore, blocklist BlocklistStore, limits config.RateLimitConfig) *RateGuard {
	return &RateGuard{
		windows:   windows,
		blocklist: blocklist,
		limits:    limits,
		now:       time.Now,
	}
}

func (g *RateGuard) rule(class EndpointClass) config.RateLimitRule {
	if rule, ok := g.limits.Rule(string(class)); ok {
		return rule
	}
	return g.limits.General
}

// CheckRateLimit 窗口内请求数已达上限则拒绝，否则放行并记一条
func (g *RateGuard) CheckRateLimit(ctx context.Context, identifier string, class EndpointClass) RateDecision {
	rule := g.rule(class)
	now := g.now()

	res, err := g.windows.Admit(ctx, string(class), identifier, now, rule.Window, rule.MaxRequests)
	if err != nil {
		zap.L().Warn("限流检查失败，放行",
			zap.String("class", string(class)),
			zap.String("identifier", identifier),
			zap.Error(err))
		return RateDecision{Allowed: true, Limit: rule.MaxRequests, Remaining: rule.MaxRequests}
	}

	if !res.Allowed {
		retryAfter := time.Second
		if !res.Oldest.IsZero() {
			if d := res.Oldest.Add(rule.Window).Sub(now); d > retryAfter {
				retryAfter = d
			}
		}
		return RateDecision{
			Allowed:    false,
			Limit:      rule.MaxRequests,
			Remaining:  0,
			RetryAfter: retryAfter,
		}
	}

	return RateDecision{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests - int(res.Count) - 1,
	}
}

// CheckBlocklist 命中未过期的黑名单返回 ErrAccessDenied
func (g *RateGuard) CheckBlocklist(ctx context.Context, ip string) error {
	blocked, err := g.blocklist.Find(ctx, ip, g.now().UTC())
	if err != nil {
		zap.L().Warn("黑名单检查失败，放行", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	if blocked != nil {
		zap.L().Info("黑名单拦截", zap.String("ip", ip), zap.String("reason", blocked.Reason))
		return ErrAccessDenied
	}
	return nil
}
