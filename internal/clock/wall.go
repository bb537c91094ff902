// =============================================================================
// 文件: internal/clock/wall.go
// 描述: 真实时钟 - time.AfterFunc 定时器, 回调经 dispatch 投递到事件循环执行
// =============================================================================
package clock

import (
	"sync"
	"time"
)

// Wall 真实时钟
//
// time.AfterFunc 在独立 goroutine 中到期, 回调通过 dispatch 交给所属事件循环,
// 执行前再次检查令牌, 因此取消后已在途的回调不会运行。
type Wall struct {
	dispatch func(func())

	mu     sync.Mutex
	seq    uint64
	timers map[Token]*time.Timer
	closed bool
}

// NewWall dispatch 为 nil 时回调直接在定时器 goroutine 中执行
func NewWall(dispatch func(func())) *Wall {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Wall{
		dispatch: dispatch,
		timers:   make(map[Token]*time.Timer),
	}
}

func (w *Wall) Now() time.Time { return time.Now() }

func (w *Wall) Schedule(d time.Duration, fn func()) Token {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	tok := Token(w.seq)
	if w.closed {
		return tok
	}
	w.timers[tok] = time.AfterFunc(d, func() {
		w.dispatch(func() {
			if w.take(tok) {
				fn()
			}
		})
	})
	return tok
}

// take 令牌仍有效时将其移除并返回 true
func (w *Wall) take(tok Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.timers[tok]; !ok {
		return false
	}
	delete(w.timers, tok)
	return true
}

func (w *Wall) Cancel(tok Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.timers[tok]
	if !ok {
		return false
	}
	t.Stop()
	delete(w.timers, tok)
	return true
}

func (w *Wall) Pending(tok Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[tok]
	return ok
}

// Len 待触发定时器数量
func (w *Wall) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Stop 取消全部定时器, 之后的 Schedule 不再生效
func (w *Wall) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for tok, t := range w.timers {
		t.Stop()
		delete(w.timers, tok)
	}
	w.closed = true
}
