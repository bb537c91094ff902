// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 事件中心 - 偶联通知的近期历史与实时订阅
// =============================================================================
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/cmtsctp/internal/sctp"
)

const (
	historySize      = 100
	subscriberBuffer = 64
)

// Event 推送给订阅者的事件
type Event struct {
	Time   time.Time `json:"time"`
	Assoc  uint32    `json:"assoc"`
	Kind   string    `json:"kind"`
	State  string    `json:"state,omitempty"`
	Stream uint16    `json:"stream,omitempty"`
	Path   string    `json:"path,omitempty"`
	Active bool      `json:"active,omitempty"`
	Bytes  int       `json:"bytes,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Hub 事件中心
//
// Publish 从不阻塞: 订阅者缓冲区满时该事件对其丢弃并计数。
type Hub struct {
	mu      sync.RWMutex
	history []Event
	subs    map[*Subscription]struct{}

	published uint64
	dropped   uint64
	startTime time.Time
}

// Subscription 一个订阅
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	once sync.Once
}

// NewHub 创建事件中心
func NewHub() *Hub {
	return &Hub{
		history:   make([]Event, 0, historySize),
		subs:      make(map[*Subscription]struct{}),
		startTime: time.Now(),
	}
}

// Publish 记录并广播事件
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	atomic.AddUint64(&h.published, 1)

	h.mu.Lock()
	defer h.mu.Unlock()

	// 保留最近 historySize 条
	if len(h.history) >= historySize {
		h.history = h.history[1:]
	}
	h.history = append(h.history, ev)

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// HandleNotification 实现 sctp.Handler, 将通知转为事件
func (h *Hub) HandleNotification(n sctp.Notification) {
	// 数据到达过于频繁, 不进入事件流
	if n.Kind == sctp.NotifyDataArrived {
		return
	}
	ev := Event{
		Assoc:  n.Assoc,
		Kind:   n.Kind.String(),
		Stream: n.Stream,
		Active: n.Active,
		Bytes:  n.Bytes,
	}
	if n.Path.IsValid() {
		ev.Path = n.Path.String()
	}
	if n.Err != nil {
		ev.Error = n.Err.Error()
	}
	h.Publish(ev)
}

// Subscribe 新建订阅
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe 取消订阅并关闭其通道, 可重复调用
func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.ch)
	})
}

// Close 取消全部订阅
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		h.Unsubscribe(sub)
	}
}

// Recent 最近的事件, 新的在前
func (h *Hub) Recent(limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	result := make([]Event, limit)
	for i := 0; i < limit; i++ {
		result[i] = h.history[len(h.history)-1-i]
	}
	return result
}

// Subscribers 当前订阅数
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// GetStats 事件中心统计
func (h *Hub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":      time.Since(h.startTime).String(),
		"published":   atomic.LoadUint64(&h.published),
		"dropped":     atomic.LoadUint64(&h.dropped),
		"subscribers": h.Subscribers(),
	}
}

var _ sctp.Handler = (*Hub)(nil)
