package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Notifier 是通知出口。实现必须是尽力而为的：
// 投递失败由调用方记日志吞掉，永远不能让下单/支付请求失败。
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
}

// KafkaNotifier 把通知事件写入 Kafka，由独立消费者负责真正投递。
type KafkaNotifier struct {
	w *kafka.Writer
}

// NewKafkaNotifier 创建通知生产者：
// - Hash + Key(order_number): 同一订单的通知尽量落同一分区，保持相对有序。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (n *KafkaNotifier) Close() error { return n.w.Close() }

// Publish 同步写入一条通知。调用方自行决定超时与错误处理。
func (n *KafkaNotifier) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.OrderNumber),
		Value: b,
	})
}
