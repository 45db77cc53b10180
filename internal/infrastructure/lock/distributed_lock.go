package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 标识持有者，释放时校验，避免删掉别人的锁
//
// 释放：Lua 脚本里先比对 value 再 DEL，保证原子性
//
// 扣费本身靠条件更新保证不超扣，不依赖这把锁；
// 这里的锁用于购买入账的幂等和后台补偿任务的单实例执行。
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.Cmdable
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client redis.Cmdable, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// Key 锁的 key
func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// NewPurchaseLock 购买入账锁（按支付会话维度），防止支付回调重复入账
func NewPurchaseLock(client redis.Cmdable, sessionID, owner string) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("purchase:lock:session:%s", sessionID), owner, 30*time.Second)
}

// NewJobLock 后台任务锁，多实例部署时同一时刻只有一个实例执行
func NewJobLock(client redis.Cmdable, job, owner string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("job:lock:%s", job), owner, ttl)
}

// NewUserLock 按用户维度串行化某类操作，例如领取广告奖励时的"先数后加"
func NewUserLock(client redis.Cmdable, scope, userID, owner string) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("user:lock:%s:%s", scope, userID), owner, 10*time.Second)
}
