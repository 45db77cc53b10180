package handler

import (
	"charaforge/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps 路由需要的全部依赖
type Deps struct {
	Auth       AuthAPI
	Ledger     LedgerAPI
	History    HistoryAPI
	Purchases  PurchaseAPI
	Generation GenerationAPI
	Intents    IntentAPI
	Blocklist  BlocklistAPI
	Guard      RateGuardAPI
	Tokens     TokenParser

	InternalAPIKeys []string
	TrustedProxies  []string
	MaxImageBytes   int
	Debug           bool
}

// SetupRouter 配置路由
func SetupRouter(deps Deps) *gin.Engine {
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(deps.TrustedProxies); err != nil {
		zap.L().Warn("trusted_proxies 配置不合法，忽略", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(deps)

	// 健康检查不过黑名单和限流
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1", BlocklistMiddleware(deps.Guard))
	{
		api.GET("/pricing", RateLimitMiddleware(deps.Guard, service.ClassGeneral), h.GetPricing)

		auth := api.Group("/auth", RateLimitMiddleware(deps.Guard, service.ClassAuth))
		{
			auth.POST("/signup", h.Signup)
			auth.POST("/login", h.Login)
		}

		account := api.Group("/account",
			RateLimitMiddleware(deps.Guard, service.ClassGeneral),
			AuthMiddleware(deps.Tokens))
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
			account.GET("/history", h.ListHistory)
			account.GET("/packages", h.ListPackages)
			account.GET("/intents/:intent_no", h.GetIntent)
			account.POST("/ad-reward", h.ClaimAdReward)
		}

		generate := api.Group("/generate",
			RateLimitMiddleware(deps.Guard, service.ClassGeneration),
			AuthMiddleware(deps.Tokens))
		{
			generate.POST("/:kind", h.Generate)
		}

		internal := api.Group("/internal",
			RateLimitMiddleware(deps.Guard, service.ClassPayment),
			InternalAPIKeyMiddleware(deps.InternalAPIKeys))
		{
			internal.POST("/purchases/complete", h.CompletePurchase)
			internal.POST("/blocklist", h.BlockIP)
			internal.DELETE("/blocklist/:ip", h.UnblockIP)
		}
	}

	return r
}
