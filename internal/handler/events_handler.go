package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"drcv-go/internal/event"
	"drcv-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 管理接口只监听回环地址
	},
}

// Subscriber 是事件流所需的订阅能力，*event.Broadcaster 满足该接口。
type Subscriber interface {
	Subscribe() *event.Subscription
	Unsubscribe(sub *event.Subscription)
}

// EventsHandler 把广播器中的事件推送给管理页面。
type EventsHandler struct {
	events    Subscriber
	keepalive time.Duration
}

// NewEventsHandler 创建一个新的 EventsHandler 实例。
func NewEventsHandler(events Subscriber) *EventsHandler {
	return &EventsHandler{events: events, keepalive: 15 * time.Second}
}

// Stream 处理 GET /events。WebSocket 升级请求走 WebSocket，其余使用 Server-Sent Events。
func (h *EventsHandler) Stream(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.serveWebSocket(c)
		return
	}
	h.serveSSE(c)
}

func (h *EventsHandler) serveSSE(c *gin.Context) {
	sub := h.events.Subscribe()
	defer h.events.Unsubscribe(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	log.Infof("[Events] SSE 订阅者已连接: %s", sub.ID)
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC())
			return true
		}
	})
	log.Infof("[Events] SSE 订阅者已断开: %s, 丢弃事件 %d 条", sub.ID, sub.Dropped())
}

func (h *EventsHandler) serveWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	sub := h.events.Subscribe()
	defer h.events.Unsubscribe(sub)
	log.Infof("[Events] WebSocket 订阅者已连接: %s", sub.ID)

	// 只读不处理，读失败即认为对端已断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			log.Infof("[Events] WebSocket 订阅者已断开: %s, 丢弃事件 %d 条", sub.ID, sub.Dropped())
			return
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.Warnf("[Events] 推送事件失败: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
