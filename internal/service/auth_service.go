package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"charaforge/internal/model"
	"charaforge/internal/repository"
	"charaforge/pkg/identity"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type CredentialStore interface {
	GetByEmail(ctx context.Context, email string) (*model.UserCredential, error)
	Create(ctx context.Context, cred *model.UserCredential) error
}

// CredentialsError 密码错误，附带锁定前剩余的尝试次数
type CredentialsError struct {
	RemainingAttempts int
}

func (e *CredentialsError) Error() string {
	return ErrInvalidCredentials.Error()
}

func (e *CredentialsError) Unwrap() error {
	return ErrInvalidCredentials
}

type LoginRequest struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

type AuthResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Tokens    int64     `json:"tokens"`
}

const minPasswordLength = 8

// AuthService 本地邮箱密码认证，串起登录防爆破、小号识别和账户创建
type AuthService struct {
	guard    *LoginGuard
	identity *IdentityService
	ledger   *LedgerService
	creds    CredentialStore
	tokens   *TokenManager
	cost     int // bcrypt cost
}

func NewAuthService(guard *LoginGuard, identity *IdentityService, ledger *LedgerService, creds CredentialStore, tokens *TokenManager) *AuthService {
	return &AuthService{
		guard:    guard,
		identity: identity,
		ledger:   ledger,
		creds:    creds,
		tokens:   tokens,
		cost:     bcrypt.DefaultCost,
	}
}

func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	email := identity.Sanitize(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrInvalidInput
	}

	locked, err := s.guard.IsLocked(ctx, email)
	if err != nil {
		return nil, err
	}
	if locked {
		// 锁定期间的尝试也要记下来
		s.guard.RecordAttempt(ctx, email, req.IPAddress, false, req.UserAgent)
		return nil, ErrAccountLocked
	}

	cred, err := s.creds.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("查询登录凭证失败: %w", err)
	}
	if cred == nil || bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)) != nil {
		return nil, s.loginFailed(ctx, email, req)
	}

	if err := s.identity.CheckSignIn(ctx, email); err != nil {
		return nil, err
	}

	account, err := s.ledger.EnsureAccount(ctx, cred.UserID, email)
	if err != nil {
		return nil, err
	}

	s.guard.RecordAttempt(ctx, email, req.IPAddress, true, req.UserAgent)
	if err := s.guard.ClearAttempts(ctx, email); err != nil {
		zap.L().Warn("清理登录失败记录失败", zap.String("email", email), zap.Error(err))
	}

	return s.issue(account)
}

func (s *AuthService) loginFailed(ctx context.Context, email string, req LoginRequest) error {
	s.guard.RecordAttempt(ctx, email, req.IPAddress, false, req.UserAgent)

	check, err := s.guard.CheckAndLockIfNeeded(ctx, email, req.IPAddress)
	if err != nil {
		zap.L().Warn("检查登录锁定失败", zap.String("email", email), zap.Error(err))
		return ErrInvalidCredentials
	}
	if check.ShouldLock {
		return ErrAccountLocked
	}
	return &CredentialsError{RemainingAttempts: check.RemainingAttempts}
}

type SignupRequest struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

func (s *AuthService) Signup(ctx context.Context, req SignupRequest) (*AuthResult, error) {
	email := identity.Sanitize(req.Email)
	if _, err := identity.Normalize(email); err != nil {
		return nil, err
	}
	if len(req.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	if err := s.identity.CheckSignIn(ctx, email); err != nil {
		return nil, err
	}

	existing, err := s.creds.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("查询登录凭证失败: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("密码加密失败: %w", err)
	}

	cred := &model.UserCredential{
		UserID:       uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrCredentialExists) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("创建登录凭证失败: %w", err)
	}

	account, err := s.ledger.EnsureAccount(ctx, cred.UserID, email)
	if err != nil {
		return nil, err
	}

	s.guard.RecordAttempt(ctx, email, req.IPAddress, true, req.UserAgent)
	zap.L().Info("用户注册成功", zap.String("user_id", cred.UserID), zap.String("email", email))

	return s.issue(account)
}

func (s *AuthService) issue(account *model.Account) (*AuthResult, error) {
	token, expiresAt, err := s.tokens.Issue(account.UserID, account.RawEmail)
	if err != nil {
		return nil, fmt.Errorf("签发令牌失败: %w", err)
	}
	return &AuthResult{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    account.UserID,
		Tokens:    account.Tokens,
	}, nil
}
