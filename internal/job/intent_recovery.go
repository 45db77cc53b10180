package job

import (
	"context"
	"errors"
	"time"

	"charaforge/internal/infrastructure/lock"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// IntentRecoverer 由 service.GenerationService 实现
type IntentRecoverer interface {
	RecoverStale(ctx context.Context, before time.Time, limit int) (int, error)
}

// IntentRecoveryJob 定期补偿进程崩溃后遗留在 PENDING/DEBITED 的生成意图
//
// 多实例部署时靠任务锁保证同一时刻只有一个实例在扫描，重复扫描本身也是安全的
// （状态迁移是条件更新，退款前会查退款流水）。
type IntentRecoveryJob struct {
	recoverer IntentRecoverer
	client    redis.Cmdable
	owner     string
	staleAge  time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewIntentRecoveryJob(recoverer IntentRecoverer, client redis.Cmdable, owner string, staleAge time.Duration) *IntentRecoveryJob {
	return &IntentRecoveryJob{
		recoverer: recoverer,
		client:    client,
		owner:     owner,
		staleAge:  staleAge,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		batchSize: 100,
	}
}

func (j *IntentRecoveryJob) Start(ctx context.Context) {
	zap.L().Info("[IntentRecoveryJob] 意图补偿任务启动", zap.Duration("stale_age", j.staleAge))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("[IntentRecoveryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			zap.L().Info("[IntentRecoveryJob] 任务停止")
			return
		case <-ticker.C:
			j.recoverStaleIntents(ctx)
		}
	}
}

func (j *IntentRecoveryJob) Stop() {
	close(j.stopCh)
}

func (j *IntentRecoveryJob) recoverStaleIntents(ctx context.Context) int {
	jobLock := lock.NewJobLock(j.client, "intent-recovery", j.owner, j.interval)
	ok, err := jobLock.TryLock(ctx)
	if err != nil {
		zap.L().Warn("[IntentRecoveryJob] 获取任务锁失败", zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}
	defer func() {
		if err := jobLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("[IntentRecoveryJob] 释放任务锁失败", zap.Error(err))
		}
	}()

	recovered, err := j.recoverer.RecoverStale(ctx, j.now().Add(-j.staleAge), j.batchSize)
	if err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Error("[IntentRecoveryJob] 补偿失败", zap.Int("recovered", recovered), zap.Error(err))
	}
	if recovered > 0 {
		zap.L().Info("[IntentRecoveryJob] 本次补偿完成", zap.Int("recovered", recovered))
	}
	return recovered
}
