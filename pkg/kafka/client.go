// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"drcv-go/internal/config"
	"drcv-go/internal/event"
	"drcv-go/pkg/log"
)

// EventWriter 把广播器中的事件写入一个 Kafka topic，实现 event.Sink。
type EventWriter struct {
	writer *kafka.Writer
}

// NewEventWriter 初始化 Kafka 生产者。
func NewEventWriter(cfg config.KafkaConfig) *EventWriter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warnf("[Kafka] 写入 %d 条事件失败: %v", len(messages), err)
			}
		},
	}
	log.Info("Kafka 生产者初始化成功")
	return &EventWriter{writer: w}
}

func (w *EventWriter) Name() string { return "kafka:" + w.writer.Topic }

// Send 发送一个事件到 Kafka，以事件类型作为消息 key。
func (w *EventWriter) Send(ctx context.Context, e event.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Type),
		Value: value,
		Time:  e.Time,
	})
}

func (w *EventWriter) Close() error {
	return w.writer.Close()
}
