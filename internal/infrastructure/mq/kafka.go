package mq

import (
	"charaforge/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Publisher 消息发送抽象，outbox 投递任务只依赖它
type Publisher interface {
	SendMessage(topic, key, value string) error
}

// KafkaPublisher 基于 sarama 同步生产者
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher 包装一个已有的生产者
func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) *KafkaPublisher {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		zap.L().Fatal("创建 Kafka 生产者失败", zap.Error(err), zap.Strings("brokers", cfg.Brokers))
	}

	zap.L().Info("Kafka 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return NewKafkaPublisher(producer)
}

// SendMessage 发送消息到 Kafka
func (p *KafkaPublisher) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭 Kafka 生产者
func (p *KafkaPublisher) Close() {
	if p != nil && p.producer != nil {
		if err := p.producer.Close(); err != nil {
			zap.L().Warn("关闭 Kafka 生产者失败", zap.Error(err))
		}
	}
}
