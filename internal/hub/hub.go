package hub

import (
	"sync"

	"dracia-alerts/internal/models"

	"go.uber.org/zap"
)

// EventType 订阅事件类型
type EventType string

const (
	EventConnection EventType = "connection" // 连接状态变化
	EventMessage    EventType = "message"    // 合并后的新报警
	EventError      EventType = "error"      // 传输错误（非致命）
)

// Event 发布给订阅方的事件
// 订阅方只读，Alerts 为合并后的列表快照
type Event struct {
	Type EventType

	// connection 事件
	State  string
	Code   int
	Reason string

	// message 事件
	Alert  *models.Alert
	Alerts []models.Alert

	// error 事件
	Err error
}

// Callback 订阅回调
type Callback func(Event)

type subscriber struct {
	id int
	cb Callback
}

// Hub 订阅/通知中心
// 按订阅顺序同步扇出；回调中的 panic 被隔离，不影响后续订阅方。
// 无队列、无背压：事件频率低，慢订阅方阻塞同批后续订阅方是可接受的
type Hub struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID int
	logger *zap.Logger
}

// New 创建通知中心
func New(logger *zap.Logger) *Hub {
	return &Hub{logger: logger}
}

// Subscribe 注册订阅回调，返回取消订阅函数
func (h *Hub) Subscribe(cb Callback) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber{id: id, cb: cb})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i := range h.subs {
			if h.subs[i].id == id {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish 向所有订阅方按序分发事件
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	subs := make([]subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, s := range subs {
		h.dispatch(s, ev)
	}
}

// dispatch 单个订阅方的隔离分发
func (h *Hub) dispatch(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Subscriber callback panicked",
				zap.Int("subscriber_id", s.id),
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	s.cb(ev)
}

// Len 当前订阅方数量
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
