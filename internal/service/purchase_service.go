package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"charaforge/internal/config"
	"charaforge/internal/infrastructure/lock"
	"charaforge/internal/model"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PurchaseRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	PackageID string `json:"package_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"` // 支付渠道的会话号，幂等键
}

type PurchaseResult struct {
	PackageID        string `json:"package_id"`
	Credited         int64  `json:"credited"`
	PriceCents       int64  `json:"price_cents"`
	FirstTime        bool   `json:"first_time"`
	AlreadyProcessed bool   `json:"already_processed"`
	Tokens           int64  `json:"tokens"`
}

// PackageQuote 某个用户看到的套餐价格
type PackageQuote struct {
	ID                string `json:"id"`
	Tokens            int64  `json:"tokens"`
	PriceCents        int64  `json:"price_cents"`
	FirstTimeDiscount bool   `json:"first_time_discount"`
}

// PurchaseService 套餐入账和广告奖励
//
// 结账会话由支付渠道创建，这里只负责支付完成后的入账。
type PurchaseService struct {
	ledger      *LedgerService
	journal     JournalReader
	redisClient redis.Cmdable
	business    config.BusinessConfig
	now         func() time.Time
}

func NewPurchaseService(ledger *LedgerService, journal JournalReader, redisClient redis.Cmdable, business config.BusinessConfig) *PurchaseService {
	return &PurchaseService{
		ledger:      ledger,
		journal:     journal,
		redisClient: redisClient,
		business:    business,
		now:         time.Now,
	}
}

// ListPackages 首购优惠资格 = 没有该套餐的购买流水
func (s *PurchaseService) ListPackages(ctx context.Context, userID string) ([]PackageQuote, error) {
	quotes := make([]PackageQuote, 0, len(s.business.Packages))
	for _, p := range s.business.Packages {
		firstTime := false
		if p.FirstTimePriceCents > 0 {
			purchased, err := s.ledger.HasPurchased(ctx, userID, p.ID)
			if err != nil {
				return nil, fmt.Errorf("查询购买记录失败: %w", err)
			}
			firstTime = !purchased
		}
		quotes = append(quotes, PackageQuote{
			ID:                p.ID,
			Tokens:            p.Tokens,
			PriceCents:        priceFor(p, firstTime),
			FirstTimeDiscount: firstTime,
		})
	}
	return quotes, nil
}

// CompletePurchase 支付完成入账，同一个 SessionID 只入账一次
func (s *PurchaseService) CompletePurchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error) {
	if req.UserID == "" || req.SessionID == "" {
		return nil, ErrInvalidInput
	}
	pkg, ok := s.business.Package(req.PackageID)
	if !ok {
		return nil, ErrPackageNotFound
	}

	// 幂等校验
	if result, err := s.processed(ctx, req, pkg); result != nil || err != nil {
		return result, err
	}

	purchaseLock := lock.NewPurchaseLock(s.redisClient, req.SessionID, uuid.NewString())
	if err := purchaseLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("获取购买锁失败: %w", err)
	}
	defer func() {
		if err := purchaseLock.Unlock(ctx); err != nil {
			zap.L().Warn("释放购买锁失败", zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}()

	// 获取锁后再次检查幂等
	if result, err := s.processed(ctx, req, pkg); result != nil || err != nil {
		return result, err
	}

	firstTime := false
	if pkg.FirstTimePriceCents > 0 {
		purchased, err := s.ledger.HasPurchased(ctx, req.UserID, pkg.ID)
		if err != nil {
			return nil, fmt.Errorf("查询购买记录失败: %w", err)
		}
		firstTime = !purchased
	}

	credit, err := s.ledger.Credit(ctx, req.UserID, pkg.Tokens, Reason{
		Type:        model.TransactionTypePurchase,
		Operation:   pkg.ID,
		ExternalRef: req.SessionID,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRecorded) {
			// 锁过期后另一个请求已经入账，按已处理返回
			if result, perr := s.processed(ctx, req, pkg); result != nil || perr != nil {
				return result, perr
			}
		}
		return nil, err
	}

	zap.L().Info("套餐入账成功",
		zap.String("user_id", req.UserID),
		zap.String("package_id", pkg.ID),
		zap.String("session_id", req.SessionID),
		zap.Bool("first_time", firstTime),
		zap.Int64("tokens", credit.NewBalance))

	return &PurchaseResult{
		PackageID:  pkg.ID,
		Credited:   pkg.Tokens,
		PriceCents: priceFor(pkg, firstTime),
		FirstTime:  firstTime,
		Tokens:     credit.NewBalance,
	}, nil
}

// processed 会话已入账时返回已有结果，未入账返回 nil, nil
func (s *PurchaseService) processed(ctx context.Context, req *PurchaseRequest, pkg config.TokenPackage) (*PurchaseResult, error) {
	existing, err := s.journal.GetByExternalRef(ctx, model.TransactionTypePurchase, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("查询购买流水失败: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.UserID != req.UserID || existing.Operation != pkg.ID {
		zap.L().Error("支付会话与已入账记录不一致",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", req.UserID),
			zap.String("recorded_user_id", existing.UserID),
			zap.String("package_id", pkg.ID),
			zap.String("recorded_package_id", existing.Operation))
		return nil, fmt.Errorf("%w: session already used", ErrInvalidInput)
	}

	balance, err := s.ledger.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{
		PackageID:        pkg.ID,
		Credited:         existing.Amount,
		AlreadyProcessed: true,
		Tokens:           balance,
	}, nil
}

// ClaimAdReward 看完广告领取奖励，每个 UTC 自然日有上限
func (s *PurchaseService) ClaimAdReward(ctx context.Context, userID string) (*LedgerResult, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}

	userLock := lock.NewUserLock(s.redisClient, "ad-reward", userID, uuid.NewString())
	if err := userLock.Lock(ctx, 50*time.Millisecond, 20); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("获取用户锁失败: %w", err)
	}
	defer func() {
		if err := userLock.Unlock(ctx); err != nil {
			zap.L().Warn("释放用户锁失败", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	claimed, err := s.journal.CountByTypeSince(ctx, userID, model.TransactionTypeAdReward, dayStart)
	if err != nil {
		return nil, fmt.Errorf("统计广告奖励失败: %w", err)
	}
	if claimed >= int64(s.business.AdRewardDailyCap) {
		return nil, ErrAdRewardLimit
	}

	return s.ledger.Credit(ctx, userID, s.business.AdRewardTokens, Reason{
		Type:      model.TransactionTypeAdReward,
		Operation: "ad",
	})
}

func priceFor(p config.TokenPackage, firstTime bool) int64 {
	if firstTime && p.FirstTimePriceCents > 0 {
		return p.FirstTimePriceCents
	}
	return p.PriceCents
}
