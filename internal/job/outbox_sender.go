package job

import (
	"context"
	"time"

	"charaforge/internal/infrastructure/mq"
	"charaforge/internal/model"

	"go.uber.org/zap"
)

// OutboxStore outbox 表的读写，由 repository.OutboxRepository 实现
type OutboxStore interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkAsSent(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, retryCount, maxRetry int) error
}

// OutboxSender 把账本事件和生成事件从 outbox 表投递到 Kafka
//
// 投递语义是至少一次：发送成功但 MarkAsSent 失败时下一轮会重发，消费方按 transaction_no / intent_no 去重。
type OutboxSender struct {
	outbox    OutboxStore
	publisher mq.Publisher
	maxRetry  int
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewOutboxSender(outbox OutboxStore, publisher mq.Publisher, maxRetry int) *OutboxSender {
	return &OutboxSender{
		outbox:    outbox,
		publisher: publisher,
		maxRetry:  maxRetry,
		stopCh:    make(chan struct{}),
		interval:  100 * time.Millisecond,
		batchSize: 100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	zap.L().Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			zap.L().Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages 返回本轮发送成功的条数
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outbox.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		zap.L().Error("[OutboxSender] 查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outbox.MarkAsSent(ctx, msg.ID); updateErr != nil {
			zap.L().Warn("[OutboxSender] 更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
		} else {
			zap.L().Debug("[OutboxSender] 消息发送成功",
				zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))
		}
		return true
	}

	zap.L().Warn("[OutboxSender] 消息发送失败", zap.Int64("id", msg.ID), zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	if err := s.outbox.RecordFailure(ctx, msg.ID, msg.RetryCount, s.maxRetry); err != nil {
		zap.L().Error("[OutboxSender] 记录失败次数失败", zap.Int64("id", msg.ID), zap.Error(err))
		return false
	}
	if msg.RetryCount+1 >= s.maxRetry {
		zap.L().Error("[OutboxSender] 消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic))
	}
	return false
}
