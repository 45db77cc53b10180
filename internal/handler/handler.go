package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"charaforge/internal/model"
	"charaforge/internal/repository"
	"charaforge/internal/service"
	"charaforge/pkg/cost"
	"charaforge/pkg/identity"
	"charaforge/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 下面这些接口由 internal/service 里对应的 Service 实现

type AuthAPI interface {
	Login(ctx context.Context, req service.LoginRequest) (*service.AuthResult, error)
	Signup(ctx context.Context, req service.SignupRequest) (*service.AuthResult, error)
}

type LedgerAPI interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]*model.AccountTransaction, int64, error)
}

type HistoryAPI interface {
	ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.GenerationHistory, int64, error)
}

type PurchaseAPI interface {
	ListPackages(ctx context.Context, userID string) ([]service.PackageQuote, error)
	CompletePurchase(ctx context.Context, req *service.PurchaseRequest) (*service.PurchaseResult, error)
	ClaimAdReward(ctx context.Context, userID string) (*service.LedgerResult, error)
}

// IntentAPI 由 repository.IntentRepository 实现
type IntentAPI interface {
	GetByIntentNo(ctx context.Context, intentNo string) (*model.GenerationIntent, error)
}

// BlocklistAPI 由 repository.BlocklistRepository 实现
type BlocklistAPI interface {
	Add(ctx context.Context, ip, reason string, expiresAt *time.Time) error
	Remove(ctx context.Context, ip string) error
}

type GenerationAPI interface {
	Generate(ctx context.Context, req service.GenerateRequest) (*service.GenerateResult, error)
}

// Handler 统一处理器
type Handler struct {
	auth          AuthAPI
	ledger        LedgerAPI
	history       HistoryAPI
	purchases     PurchaseAPI
	generation    GenerationAPI
	intents       IntentAPI
	blocklist     BlocklistAPI
	maxImageBytes int
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		auth:          deps.Auth,
		ledger:        deps.Ledger,
		history:       deps.History,
		purchases:     deps.Purchases,
		generation:    deps.Generation,
		intents:       deps.Intents,
		blocklist:     deps.Blocklist,
		maxImageBytes: deps.MaxImageBytes,
	}
}

// ============================================================
// 错误映射
// ============================================================

// writeError 把 service 层错误映射成状态码和响应体
func writeError(c *gin.Context, err error) {
	var genErr *service.GenerationError
	if errors.As(err, &genErr) {
		response.GenerationFailed(c, genErr.UserMessage, genErr.Details, genErr.Tokens, genErr.Refunded)
		return
	}
	var insufficient *service.InsufficientTokensError
	if errors.As(err, &insufficient) {
		response.InsufficientTokens(c, service.ErrInsufficientTokens.Error(), insufficient.Tokens)
		return
	}
	var credErr *service.CredentialsError
	if errors.As(err, &credErr) {
		response.InvalidCredentials(c, service.ErrInvalidCredentials.Error(), credErr.RemainingAttempts)
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidInput):
		// 参数错误的细节对调用方有用，原样返回
		response.ParamError(c, err.Error())
	case errors.Is(err, identity.ErrInvalidInput), errors.Is(err, identity.ErrInvalidFormat):
		response.ParamError(c, "Invalid email address")
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrInvalidCredentials):
		response.Unauthorized(c, rootMessage(err))
	case errors.Is(err, service.ErrAccessDenied):
		response.Forbidden(c, service.ErrAccessDenied.Error())
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, service.ErrPackageNotFound):
		response.Error(c, http.StatusNotFound, rootMessage(err))
	case errors.Is(err, repository.ErrIntentNotFound):
		response.Error(c, http.StatusNotFound, "Generation not found")
	case errors.Is(err, service.ErrAliasAbuseDetected), errors.Is(err, service.ErrEmailTaken), errors.Is(err, service.ErrBusy):
		response.Error(c, http.StatusConflict, rootMessage(err))
	case errors.Is(err, service.ErrAccountLocked):
		response.Error(c, http.StatusLocked, service.ErrAccountLocked.Error())
	case errors.Is(err, service.ErrAdRewardLimit):
		response.Error(c, http.StatusTooManyRequests, service.ErrAdRewardLimit.Error())
	case errors.Is(err, service.ErrInsufficientTokens):
		response.Error(c, http.StatusPaymentRequired, service.ErrInsufficientTokens.Error())
	default:
		zap.L().Error("请求处理失败",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.ServerError(c, "Internal server error")
	}
}

var publicErrors = []error{
	service.ErrUnauthorized,
	service.ErrInvalidCredentials,
	service.ErrAccountNotFound,
	service.ErrPackageNotFound,
	service.ErrAliasAbuseDetected,
	service.ErrEmailTaken,
	service.ErrBusy,
}

// rootMessage 只返回哨兵错误的文案，不把内部包装信息带给客户端
func rootMessage(err error) string {
	for _, target := range publicErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "Internal server error"
}

func pageParams(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

// ============================================================
// 公共接口
// ============================================================

// GetPricing 价格矩阵，前端预览和服务端扣费使用同一张表
// GET /api/v1/pricing
func (h *Handler) GetPricing(c *gin.Context) {
	kinds := make(map[service.GenerationKind]cost.OperationKind)
	for _, k := range service.Kinds() {
		op, _ := k.Operation()
		kinds[k] = op
	}
	response.Success(c, gin.H{
		"costs": cost.Table(),
		"kinds": kinds,
	})
}

// ============================================================
// 认证
// ============================================================

type credentialsBody struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Signup 注册
// POST /api/v1/auth/signup
func (h *Handler) Signup(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.ParamError(c, "email and password are required")
		return
	}

	result, err := h.auth.Signup(c.Request.Context(), service.SignupRequest{
		Email:     body.Email,
		Password:  body.Password,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Login 登录
// POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.ParamError(c, "email and password are required")
		return
	}

	result, err := h.auth.Login(c.Request.Context(), service.LoginRequest{
		Email:     body.Email,
		Password:  body.Password,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 账户
// ============================================================

// GetBalance 查询余额
// GET /api/v1/account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	tokens, err := h.ledger.GetBalance(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"tokens": tokens})
}

// ListTransactions 代币流水
// GET /api/v1/account/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, total, err := h.ledger.ListTransactions(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListHistory 生成历史
// GET /api/v1/account/history?page=1&page_size=20
func (h *Handler) ListHistory(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, total, err := h.history.ListByUserID(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListPackages 套餐列表，首购价按当前用户计算
// GET /api/v1/account/packages
func (h *Handler) ListPackages(c *gin.Context) {
	quotes, err := h.purchases.ListPackages(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"packages": quotes})
}

// ClaimAdReward 看完广告领取代币
// POST /api/v1/account/ad-reward
func (h *Handler) ClaimAdReward(c *gin.Context) {
	result, err := h.purchases.ClaimAdReward(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"tokens": result.NewBalance})
}

// GetIntent 查询一次生成的计费状态，客户端断线后用来确认是否已退款
// GET /api/v1/account/intents/:intent_no
func (h *Handler) GetIntent(c *gin.Context) {
	intent, err := h.intents.GetByIntentNo(c.Request.Context(), c.Param("intent_no"))
	if err != nil {
		writeError(c, err)
		return
	}
	// 别人的意图按不存在处理
	if intent.UserID != currentUserID(c) {
		writeError(c, repository.ErrIntentNotFound)
		return
	}
	response.Success(c, gin.H{
		"intent_no":  intent.IntentNo,
		"kind":       intent.Kind,
		"tier":       intent.Tier,
		"cost":       intent.Cost,
		"status":     intent.Status,
		"created_at": intent.CreatedAt,
		"updated_at": intent.UpdatedAt,
	})
}

// ============================================================
// 内部接口
// ============================================================

// CompletePurchase 支付渠道回调确认后入账，同一个 session_id 只入账一次
// POST /api/v1/internal/purchases/complete
func (h *Handler) CompletePurchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "user_id, package_id and session_id are required")
		return
	}

	result, err := h.purchases.CompletePurchase(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

type blockBody struct {
	IP        string `json:"ip" binding:"required"`
	Reason    string `json:"reason"`
	ExpiresIn int64  `json:"expires_in"` // 秒，0 表示永久
}

// BlockIP 加入黑名单，重复加入会覆盖原因和过期时间
// POST /api/v1/internal/blocklist
func (h *Handler) BlockIP(c *gin.Context) {
	var body blockBody
	if err := c.ShouldBindJSON(&body); err != nil || net.ParseIP(body.IP) == nil || body.ExpiresIn < 0 {
		response.ParamError(c, "a valid ip is required")
		return
	}

	var expiresAt *time.Time
	if body.ExpiresIn > 0 {
		at := time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second)
		expiresAt = &at
	}
	if err := h.blocklist.Add(c.Request.Context(), body.IP, body.Reason, expiresAt); err != nil {
		writeError(c, err)
		return
	}
	zap.L().Info("IP 已加入黑名单", zap.String("ip", body.IP), zap.String("reason", body.Reason))
	response.Success(c, gin.H{"ip": body.IP, "expires_at": expiresAt})
}

// UnblockIP 移出黑名单
// DELETE /api/v1/internal/blocklist/:ip
func (h *Handler) UnblockIP(c *gin.Context) {
	ip := c.Param("ip")
	if net.ParseIP(ip) == nil {
		response.ParamError(c, "a valid ip is required")
		return
	}
	if err := h.blocklist.Remove(c.Request.Context(), ip); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"ip": ip})
}
