package event

import (
	"context"

	"drcv-go/pkg/log"
)

// Sink 是广播器之外的事件去处，例如 Kafka topic 或 Redis 频道。
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
	Close() error
}

// Relay 把订阅到的每个事件转发给 sink，直到 ctx 结束或广播器关闭。
// sink 的错误只记录日志，不会影响生产者。
func Relay(ctx context.Context, b *Broadcaster, sink Sink) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warnf("[Relay] 关闭 %s 失败: %v", sink.Name(), err)
		}
	}()

	log.Infof("[Relay] 开始转发事件到 %s", sink.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sink.Send(ctx, e); err != nil {
				log.Warnw("[Relay] 转发事件失败", "sink", sink.Name(), "type", e.Type, "error", err)
			}
		}
	}
}
