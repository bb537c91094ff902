// =============================================================================
// 文件: internal/clock/clock.go
// 描述: 单调虚拟时钟 + 优先队列定时器 (可取消令牌)
// =============================================================================
package clock

import (
	"container/heap"
	"time"
)

// Token 定时器令牌, 零值表示未调度
type Token uint64

// Scheduler 定时调度接口
//
// 所有回调都在调用 Advance 的同一个执行流中触发, 不存在并发。
type Scheduler interface {
	Now() time.Time
	Schedule(d time.Duration, fn func()) Token
	Cancel(tok Token) bool
	Pending(tok Token) bool
}

type entry struct {
	deadline time.Time
	seq      uint64
	token    Token
	fn       func()
	index    int
}

type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Virtual 虚拟时钟
type Virtual struct {
	now   time.Time
	seq   uint64
	queue timerHeap
	live  map[Token]*entry
	fired uint64
}

// NewVirtual 以 start 为起点创建虚拟时钟
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{
		now:  start,
		live: make(map[Token]*entry),
	}
}

// Now 当前虚拟时间
func (v *Virtual) Now() time.Time { return v.now }

// Schedule 在 d 之后执行 fn, d <= 0 时在下一次 Advance 触发
func (v *Virtual) Schedule(d time.Duration, fn func()) Token {
	if d < 0 {
		d = 0
	}
	v.seq++
	e := &entry{
		deadline: v.now.Add(d),
		seq:      v.seq,
		token:    Token(v.seq),
		fn:       fn,
	}
	heap.Push(&v.queue, e)
	v.live[e.token] = e
	return e.token
}

// Cancel 取消定时器, 返回是否确实取消了一个待触发的定时器
func (v *Virtual) Cancel(tok Token) bool {
	e, ok := v.live[tok]
	if !ok {
		return false
	}
	delete(v.live, tok)
	if e.index >= 0 {
		heap.Remove(&v.queue, e.index)
	}
	return true
}

// Pending 令牌是否仍在等待触发
func (v *Virtual) Pending(tok Token) bool {
	_, ok := v.live[tok]
	return ok
}

// Next 最近的截止时间
func (v *Virtual) Next() (time.Time, bool) {
	if len(v.queue) == 0 {
		return time.Time{}, false
	}
	return v.queue[0].deadline, true
}

// Len 待触发定时器数量
func (v *Virtual) Len() int { return len(v.queue) }

// Fired 累计触发次数
func (v *Virtual) Fired() uint64 { return v.fired }

// Advance 前进 d 并触发所有到期定时器
func (v *Virtual) Advance(d time.Duration) int {
	return v.AdvanceTo(v.now.Add(d))
}

// AdvanceTo 前进到 t, 按截止时间顺序逐个触发; 回调中新调度的到期定时器也会触发
func (v *Virtual) AdvanceTo(t time.Time) int {
	n := 0
	for len(v.queue) > 0 {
		e := v.queue[0]
		if e.deadline.After(t) {
			break
		}
		heap.Pop(&v.queue)
		if _, ok := v.live[e.token]; !ok {
			continue
		}
		delete(v.live, e.token)
		if e.deadline.After(v.now) {
			v.now = e.deadline
		}
		v.fired++
		n++
		e.fn()
	}
	if t.After(v.now) {
		v.now = t
	}
	return n
}

// RunUntilIdle 不断跳到下一个截止时间直到队列为空或触发次数达到 max
func (v *Virtual) RunUntilIdle(max int) int {
	n := 0
	for n < max {
		next, ok := v.Next()
		if !ok {
			break
		}
		n += v.AdvanceTo(next)
	}
	return n
}
