package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"charaforge/internal/model"
	"charaforge/internal/repository"
	"charaforge/pkg/identity"
	"charaforge/pkg/idgen"

	"go.uber.org/zap"
)

// AccountStore 账户和流水的原子写入，由 repository.AccountRepository 实现
type AccountStore interface {
	GetByUserID(ctx context.Context, userID string) (*model.Account, error)
	GetByCanonicalEmail(ctx context.Context, canonical string) (*model.Account, error)
	CreateIfAbsent(ctx context.Context, account *model.Account, bonus *model.AccountTransaction) (bool, error)
	Debit(ctx context.Context, userID string, amount int64, entry *model.AccountTransaction) (int64, error)
	Credit(ctx context.Context, userID string, amount int64, entry *model.AccountTransaction) (int64, error)
}

// JournalReader 流水查询，由 repository.TransactionRepository 实现
type JournalReader interface {
	GetByExternalRef(ctx context.Context, txType, ref string) (*model.AccountTransaction, error)
	ExistsByOperation(ctx context.Context, userID, txType, operation string) (bool, error)
	CountByTypeSince(ctx context.Context, userID, txType string, since time.Time) (int64, error)
	ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.AccountTransaction, int64, error)
}

// ErrAlreadyRecorded 同类型同 external_ref 的流水已经存在，本次没有改动余额
var ErrAlreadyRecorded = errors.New("ledger entry already recorded")

// Reason 一次余额变动的原因，写进流水
type Reason struct {
	Type        string
	Operation   string // 生成类型或套餐ID
	ExternalRef string // 生成意图号、支付会话号
}

// LedgerResult debit/credit 的结果
type LedgerResult struct {
	Success    bool   `json:"success"`
	NewBalance int64  `json:"new_balance"`
	Error      string `json:"error,omitempty"`
}

type LedgerService struct {
	accounts    AccountStore
	journal     JournalReader
	signupBonus int64
}

func NewLedgerService(accounts AccountStore, journal JournalReader, signupBonus int64) *LedgerService {
	return &LedgerService{
		accounts:    accounts,
		journal:     journal,
		signupBonus: signupBonus,
	}
}

func (s *LedgerService) GetBalance(ctx context.Context, userID string) (int64, error) {
	account, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("查询账户失败: %w", err)
	}
	return account.Tokens, nil
}

// Debit 扣减代币。余额不足时不修改任何状态，
// 返回 Success=false、当前余额和 ErrInsufficientTokens。
func (s *LedgerService) Debit(ctx context.Context, userID string, amount int64, reason Reason) (*LedgerResult, error) {
	if amount <= 0 || userID == "" {
		return nil, ErrInvalidInput
	}

	entry := newEntry(reason)
	balance, err := s.accounts.Debit(ctx, userID, amount, entry)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBalanceNotEnough):
			return &LedgerResult{
				Success:    false,
				NewBalance: balance,
				Error:      ErrInsufficientTokens.Error(),
			}, ErrInsufficientTokens
		case errors.Is(err, repository.ErrAccountNotFound):
			return nil, ErrAccountNotFound
		case errors.Is(err, repository.ErrEntryExists):
			return nil, ErrAlreadyRecorded
		}
		return nil, fmt.Errorf("扣款失败: %w", err)
	}

	zap.L().Info("代币扣减成功",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance),
		zap.String("type", reason.Type),
		zap.String("transaction_no", entry.TransactionNo))

	return &LedgerResult{Success: true, NewBalance: balance}, nil
}

// Credit 增加代币，账户存在即成功。退款、购买、奖励都走这里。
//
// 带 ExternalRef 的入账每个 (类型, ExternalRef) 只会生效一次，重复入账返回 ErrAlreadyRecorded。
func (s *LedgerService) Credit(ctx context.Context, userID string, amount int64, reason Reason) (*LedgerResult, error) {
	if amount <= 0 || userID == "" {
		return nil, ErrInvalidInput
	}

	entry := newEntry(reason)
	balance, err := s.accounts.Credit(ctx, userID, amount, entry)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAccountNotFound):
			return nil, ErrAccountNotFound
		case errors.Is(err, repository.ErrEntryExists):
			return nil, ErrAlreadyRecorded
		}
		return nil, fmt.Errorf("入账失败: %w", err)
	}

	zap.L().Info("代币入账成功",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance),
		zap.String("type", reason.Type),
		zap.String("transaction_no", entry.TransactionNo))

	return &LedgerResult{Success: true, NewBalance: balance}, nil
}

// EnsureAccount 首次认证时创建账户（带注册赠送），已存在则直接返回
func (s *LedgerService) EnsureAccount(ctx context.Context, userID, rawEmail string) (*model.Account, error) {
	account, err := s.accounts.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	canonical, err := identity.Normalize(rawEmail)
	if err != nil {
		return nil, err
	}

	account = &model.Account{
		UserID:         userID,
		RawEmail:       identity.Sanitize(rawEmail),
		CanonicalEmail: canonical,
		Tokens:         s.signupBonus,
	}
	var bonus *model.AccountTransaction
	if s.signupBonus > 0 {
		bonus = newEntry(Reason{Type: model.TransactionTypeSignupBonus})
	}

	created, err := s.accounts.CreateIfAbsent(ctx, account, bonus)
	if err != nil {
		return nil, fmt.Errorf("创建账户失败: %w", err)
	}
	if created {
		zap.L().Info("账户已创建",
			zap.String("user_id", userID),
			zap.Int64("signup_bonus", s.signupBonus))
		return account, nil
	}

	// 并发创建或 canonical_email 已被占用，以库里为准
	existing, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAliasAbuseDetected
		}
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}
	return existing, nil
}

// HasPurchased 用户是否买过某个套餐，用于首购优惠资格
func (s *LedgerService) HasPurchased(ctx context.Context, userID, packageID string) (bool, error) {
	return s.journal.ExistsByOperation(ctx, userID, model.TransactionTypePurchase, packageID)
}

func (s *LedgerService) ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.journal.ListByUserID(ctx, userID, page, pageSize)
}

func newEntry(reason Reason) *model.AccountTransaction {
	entry := &model.AccountTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		Type:          reason.Type,
		Operation:     reason.Operation,
	}
	if reason.ExternalRef != "" {
		ref := reason.ExternalRef
		entry.ExternalRef = &ref
	}
	return entry
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
