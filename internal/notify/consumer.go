package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/segmentio/kafka-go"
)

// Deliverer 负责真正把一条通知送出去（邮件、短信、站内信）。
// 返回错误只影响日志，不会触发消息重投——通知契约是尽力而为。
type Deliverer func(ctx context.Context, msg Message) error

// LogDeliverer 默认投递实现：仅打日志。邮件网关接入时替换这里。
func LogDeliverer(_ context.Context, msg Message) error {
	if msg.SellerID > 0 {
		log.Printf("notify seller=%d type=%s order=%s", msg.SellerID, msg.Type, msg.OrderNumber)
		return nil
	}
	log.Printf("notify buyer=%s type=%s order=%s status=%s", msg.Email, msg.Type, msg.OrderNumber, msg.Status)
	return nil
}

// Consumer 从 Kafka 读取通知事件并交给 Deliverer。
type Consumer struct {
	r       *kafka.Reader
	deliver Deliverer
}

func NewConsumer(brokers []string, topic, groupID string, deliver Deliverer) *Consumer {
	if deliver == nil {
		deliver = LogDeliverer
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		deliver: deliver,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		var msg Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			log.Printf("notify consumer unmarshal: %v", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			log.Printf("notify consumer drop invalid message: %v", err)
			continue
		}

		if err := c.deliver(ctx, msg); err != nil {
			// 通知失败只记日志，不中断消费循环。
			log.Printf("notify deliver type=%s order=%s: %v", msg.Type, msg.OrderNumber, err)
		}
	}
}
