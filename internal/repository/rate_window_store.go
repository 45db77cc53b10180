package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RateWindowStore 滑动窗口记录，存放在 redis 有序集合里
//
//	key    = ratelimit:{class}:{identifier}
//	member = 随机唯一 ID
//	score  = 请求时间（unix 微秒，float64 可精确表示）
//
// 清理、计数、追加在一个 Lua 脚本里完成，并发请求不会一起读到同一个计数后全部放行。
type RateWindowStore struct {
	client redis.Cmdable
}

func NewRateWindowStore(client redis.Cmdable) *RateWindowStore {
	return &RateWindowStore{client: client}
}

func windowKey(class, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", class, identifier)
}

// WindowResult 一次准入判定
type WindowResult struct {
	Allowed bool
	Count   int64     // 判定前窗口内的记录数
	Oldest  time.Time // 窗口内最早一条的时间，窗口为空时为零值
}

// KEYS[1] 窗口 key
// ARGV[1] 窗口起点（含，等于该值的记录也会被清理）
// ARGV[2] 当前时间  ARGV[3] member  ARGV[4] 上限  ARGV[5] 过期毫秒
const admitScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local first = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local oldest = first[2] or ""
if count < tonumber(ARGV[4]) then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
	redis.call("PEXPIRE", KEYS[1], ARGV[5])
	return {1, count, oldest}
end
return {0, count, oldest}
`

// Admit 清理窗口外的记录后，未达上限则追加一条本次请求并放行，被拒绝的请求不记录
func (s *RateWindowStore) Admit(ctx context.Context, class, identifier string, now time.Time, window time.Duration, max int) (WindowResult, error) {
	key := windowKey(class, identifier)
	res, err := s.client.Eval(ctx, admitScript, []string{key},
		now.Add(-window).UnixMicro(),
		now.UnixMicro(),
		uuid.NewString(),
		max,
		window.Milliseconds(),
	).Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("限流窗口判定失败: %w", err)
	}
	return parseAdmitResult(res)
}

func parseAdmitResult(res []interface{}) (WindowResult, error) {
	if len(res) != 3 {
		return WindowResult{}, fmt.Errorf("限流脚本返回值不合法: %v", res)
	}
	allowed, ok1 := res[0].(int64)
	count, ok2 := res[1].(int64)
	oldestRaw, ok3 := res[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return WindowResult{}, fmt.Errorf("限流脚本返回值不合法: %v", res)
	}

	result := WindowResult{Allowed: allowed == 1, Count: count}
	if oldestRaw != "" {
		micros, err := strconv.ParseFloat(oldestRaw, 64)
		if err != nil {
			return WindowResult{}, fmt.Errorf("解析窗口最早记录失败: %w", err)
		}
		result.Oldest = time.UnixMicro(int64(micros))
	}
	return result, nil
}
