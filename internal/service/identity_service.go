package service

import (
	"context"
	"fmt"

	"charaforge/internal/model"
	"charaforge/pkg/identity"

	"go.uber.org/zap"
)

type canonicalLookup interface {
	GetByCanonicalEmail(ctx context.Context, canonical string) (*model.Account, error)
}

// IdentityService 小号识别：同一个规范身份只能对应一种原始写法
type IdentityService struct {
	accounts canonicalLookup
}

func NewIdentityService(accounts canonicalLookup) *IdentityService {
	return &IdentityService{accounts: accounts}
}

// CheckSignIn 校验本次登录/注册使用的原始邮箱
//
//   - 规范身份不存在：新身份，放行
//   - 规范身份存在且原始写法完全一致：正常的重复登录，放行
//   - 规范身份存在但原始写法不同：别名滥用，拒绝
func (s *IdentityService) CheckSignIn(ctx context.Context, rawEmail string) error {
	canonical, err := identity.Normalize(rawEmail)
	if err != nil {
		return err
	}

	existing, err := s.accounts.GetByCanonicalEmail(ctx, canonical)
	if err != nil {
		return fmt.Errorf("查询规范身份失败: %w", err)
	}
	if existing == nil {
		return nil
	}

	raw := identity.Sanitize(rawEmail)
	if existing.RawEmail == raw {
		return nil
	}

	zap.L().Warn("检测到邮箱别名滥用",
		zap.String("raw_email", raw),
		zap.String("canonical", canonical),
		zap.String("existing_user_id", existing.UserID))
	return ErrAliasAbuseDetected
}
