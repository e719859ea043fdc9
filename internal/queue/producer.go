package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// messageWriter 是 *kafka.Writer 中用到的部分。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 封装 Kafka 写入器，外层套熔断器：
// broker 不可用时快速失败，不让落单 worker 每条消息都卡在重试上。
type Producer struct {
	w  messageWriter
	cb *gobreaker.CircuitBreaker
}

// NewProducer 创建生产者并配置可靠性参数：
// - Hash + Key: 同一用户的事件落到同一分区，保持该用户事件有序。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewProducer(brokers []string, topic string, log logrus.FieldLogger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}, breakerSettings(log))
}

func newProducer(w messageWriter, st gobreaker.Settings) *Producer {
	return &Producer{w: w, cb: gobreaker.NewCircuitBreaker(st)}
}

// breakerSettings 连续失败 5 次打开，30 秒后放一个探测请求。
func breakerSettings(log logrus.FieldLogger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "kafka-order-events",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
			}
		},
	}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条订单事件；熔断打开时返回 gobreaker.ErrOpenState。
func (p *Producer) Publish(ctx context.Context, msg OrderMessage) error {
	m, err := encode(msg)
	if err != nil {
		return err
	}
	_, err = p.cb.Execute(func() (any, error) {
		return nil, p.w.WriteMessages(ctx, m)
	})
	return err
}

// encode 以 user_id 为分区 key，order_id 放在 header 里便于下游去重。
func encode(msg OrderMessage) (kafka.Message, error) {
	if err := msg.Validate(); err != nil {
		return kafka.Message{}, err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(msg.UserID, 10)),
		Value: b,
		Headers: []kafka.Header{
			{Key: "order_id", Value: []byte(strconv.FormatInt(msg.OrderID, 10))},
		},
		Time: msg.CreatedAt,
	}, nil
}
