// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"

	"kieran-ai-go/internal/config"
	"kieran-ai-go/pkg/log"
	"kieran-ai-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。brokers 为空时不启用事件发布。
func InitProducer(cfg config.KafkaConfig) {
	if cfg.Brokers == "" {
		log.Info("Kafka 未配置，事件发布已关闭")
		return
	}
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// Enabled 返回事件发布是否可用。
func Enabled() bool {
	return producer != nil
}

// ProduceChatTurnEvent 发送一条对话轮次事件到 Kafka。
// 事件发布是 best-effort：未启用时静默跳过，失败由调用方记录日志。
func ProduceChatTurnEvent(event tasks.ChatTurnEvent) error {
	if producer == nil {
		return nil
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return producer.WriteMessages(context.Background(),
		kafka.Message{
			Value: eventBytes,
		},
	)
}

// Close 关闭生产者连接。
func Close() {
	if producer != nil {
		_ = producer.Close()
	}
}
