package job

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type AttemptPurger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

type LockPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// GuardPurgeJob 清理过期的登录尝试记录和已失效的账号锁
//
// 锁是惰性过期的，不清理也不影响判断，只是防止表无限增长。
type GuardPurgeJob struct {
	attempts  AttemptPurger
	locks     LockPurger
	retention time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	interval  time.Duration
}

func NewGuardPurgeJob(attempts AttemptPurger, locks LockPurger, retention time.Duration) *GuardPurgeJob {
	return &GuardPurgeJob{
		attempts:  attempts,
		locks:     locks,
		retention: retention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		interval:  time.Hour,
	}
}

func (j *GuardPurgeJob) Start(ctx context.Context) {
	zap.L().Info("[GuardPurgeJob] 登录记录清理任务启动", zap.Duration("retention", j.retention))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("[GuardPurgeJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			zap.L().Info("[GuardPurgeJob] 任务停止")
			return
		case <-ticker.C:
			j.purge(ctx)
		}
	}
}

func (j *GuardPurgeJob) Stop() {
	close(j.stopCh)
}

func (j *GuardPurgeJob) purge(ctx context.Context) {
	now := j.now()

	attempts, err := j.attempts.PurgeBefore(ctx, now.Add(-j.retention))
	if err != nil {
		zap.L().Error("[GuardPurgeJob] 清理登录尝试失败", zap.Error(err))
	}
	locks, err := j.locks.PurgeExpired(ctx, now)
	if err != nil {
		zap.L().Error("[GuardPurgeJob] 清理账号锁失败", zap.Error(err))
	}
	if attempts > 0 || locks > 0 {
		zap.L().Info("[GuardPurgeJob] 清理完成", zap.Int64("attempts", attempts), zap.Int64("locks", locks))
	}
}
