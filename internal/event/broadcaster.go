// Package event 把状态变化广播给任意数量的订阅者，生产者永远不会因订阅者而阻塞。
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"drcv-go/pkg/metrics"
)

// Type 是事件类型。
type Type string

const (
	UploadCreated      Type = "upload.created"
	UploadProgress     Type = "upload.progress"
	UploadCompleted    Type = "upload.completed"
	UploadDisconnected Type = "upload.disconnected"
	ClientConnected    Type = "client.connected"
	ClientDisconnected Type = "client.disconnected"
	TunnelStatus       Type = "tunnel.status"
)

// Event 是一条状态变化通知。
type Event struct {
	Type Type        `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// Publisher 是生产者所依赖的最小接口。
type Publisher interface {
	Publish(t Type, data interface{})
}

// Subscription 是一个订阅者的有界队列。
type Subscription struct {
	ID string
	C  <-chan Event

	ch      chan Event
	dropped atomic.Uint64
}

// Dropped 返回因队列已满而丢弃的事件数。
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Broadcaster 按订阅时刻之后的顺序把事件投递给每个订阅者，不回放历史。
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	now    func() time.Time
}

// NewBroadcaster 创建一个每个订阅者队列长度为 buffer 的广播器。
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe 注册一个新的订阅者。广播器关闭后返回的订阅通道已关闭。
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe 移除订阅者并关闭其通道，可重复调用。
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
	metrics.Subscribers.Dec()
}

// Publish 向所有订阅者投递事件；队列已满的订阅者丢弃该事件并计数。
func (b *Broadcaster) Publish(t Type, data interface{}) {
	e := Event{Type: t, Time: b.now(), Data: data}
	metrics.EventsPublished.WithLabelValues(string(t)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
}

// Len 返回当前订阅者数量。
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭全部订阅，之后的 Publish 不再投递。
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
		metrics.Subscribers.Dec()
	}
}
