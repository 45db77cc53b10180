package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"charaforge/internal/config"
	"charaforge/internal/handler"
	"charaforge/internal/infrastructure/cache"
	"charaforge/internal/infrastructure/database"
	"charaforge/internal/infrastructure/generator"
	"charaforge/internal/infrastructure/mq"
	"charaforge/internal/infrastructure/storage"
	"charaforge/internal/job"
	"charaforge/internal/logger"
	"charaforge/internal/repository"
	"charaforge/internal/service"
	"charaforge/pkg/idgen"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	_, flush := logger.Init(&cfg.Log)
	defer flush()

	// 初始化 ID 生成器
	if err := idgen.Init(int64(cfg.Server.WorkerID)); err != nil {
		zap.L().Fatal("初始化 ID 生成器失败", zap.Error(err))
	}

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL, cfg.Server.Debug)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)
	defer redisClient.Close()

	// 初始化 Kafka
	publisher := mq.InitKafka(&cfg.Kafka)
	defer publisher.Close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 对象存储可选，未配置时生成结果以 data URL 内联返回
	var assetStorage service.AssetStorage
	if cfg.S3.Bucket != "" {
		s3Storage, err := storage.NewS3Storage(ctx, &cfg.S3)
		if err != nil {
			zap.L().Fatal("初始化 S3 失败", zap.Error(err))
		}
		assetStorage = s3Storage
	} else {
		zap.L().Warn("s3.bucket 未配置，生成结果不落盘")
	}

	imageGenerator, err := generator.Default(&cfg.Generator)
	if err != nil {
		zap.L().Fatal("初始化生成服务客户端失败", zap.Error(err))
	}

	// 仓储
	accountRepo := repository.NewAccountRepository(db).WithLedgerEvents(cfg.Kafka.Topic.LedgerEvents)
	transactionRepo := repository.NewTransactionRepository(db)
	intentRepo := repository.NewIntentRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	attemptRepo := repository.NewLoginAttemptRepository(db)
	lockRepo := repository.NewAccountLockRepository(db)
	blocklistRepo := repository.NewBlocklistRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)
	rateWindows := repository.NewRateWindowStore(redisClient)

	// 服务
	tokenManager, err := service.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		zap.L().Fatal("初始化 JWT 失败", zap.Error(err))
	}
	ledgerService := service.NewLedgerService(accountRepo, transactionRepo, cfg.Business.SignupBonusTokens)
	loginGuard := service.NewLoginGuard(attemptRepo, lockRepo, cfg.Guard)
	identityService := service.NewIdentityService(accountRepo)
	authService := service.NewAuthService(loginGuard, identityService, ledgerService, credentialRepo, tokenManager)
	purchaseService := service.NewPurchaseService(ledgerService, transactionRepo, redisClient, cfg.Business)
	rateGuard := service.NewRateGuard(rateWindows, blocklistRepo, cfg.RateLimit)
	generationService := service.NewGenerationService(
		ledgerService,
		intentRepo,
		transactionRepo,
		imageGenerator,
		assetStorage,
		historyRepo,
		outboxRepo,
		service.GenerationOptions{
			MaxImageBytes: cfg.Business.MaxImageBytes,
			MaxParallel:   cfg.Generator.MaxParallel,
			RunTimeout:    cfg.Generator.RunBudget(),
			EventTopic:    cfg.Kafka.Topic.GenerationEvents,
		},
	)

	// 启动后台任务
	instanceID := uuid.NewString()

	outboxSender := job.NewOutboxSender(outboxRepo, publisher, cfg.Business.MaxRetryCount)
	go outboxSender.Start(ctx)

	recoveryJob := job.NewIntentRecoveryJob(generationService, redisClient, instanceID, cfg.Business.IntentRecoveryAfter)
	go recoveryJob.Start(ctx)

	purgeJob := job.NewGuardPurgeJob(attemptRepo, lockRepo, cfg.Business.LoginAttemptRetention)
	go purgeJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(handler.Deps{
		Auth:            authService,
		Ledger:          ledgerService,
		History:         historyRepo,
		Purchases:       purchaseService,
		Generation:      generationService,
		Intents:         intentRepo,
		Blocklist:       blocklistRepo,
		Guard:           rateGuard,
		Tokens:          tokenManager,
		InternalAPIKeys: cfg.Auth.InternalAPIKeys,
		TrustedProxies:  cfg.Server.TrustedProxies,
		MaxImageBytes:   cfg.Business.MaxImageBytes,
		Debug:           cfg.Server.Debug,
	})

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zap.L().Info("服务启动", zap.Int("port", cfg.Server.Port), zap.String("instance_id", instanceID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zap.L().Info("正在关闭服务...")

	// 先停止接收请求，生成请求可能要跑几十秒，给足时间
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Generator.Timeout+5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("服务关闭异常", zap.Error(err))
	}

	// 再停止后台任务
	cancel()

	zap.L().Info("服务已关闭")
}
