// =============================================================================
// 文件: internal/transport/loop.go
// 描述: 事件循环 - 入站包、应用调用与定时器回调在同一 goroutine 串行执行
// =============================================================================
package transport

import (
	"context"
	"sync"
)

const loopQueueSize = 1024

// loop 单 goroutine 执行队列
type loop struct {
	events chan func()
	quit   chan struct{}
	once   sync.Once
}

func newLoop() *loop {
	return &loop{
		events: make(chan func(), loopQueueSize),
		quit:   make(chan struct{}),
	}
}

// post 投递任务; 循环已停止时返回 false
func (l *loop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// dispatch 供 clock.Wall 投递定时器回调
func (l *loop) dispatch(fn func()) { l.post(fn) }

// call 在循环中执行 fn 并等待其返回
func (l *loop) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !l.post(func() { done <- fn() }) {
		return ErrConnClosed
	}
	select {
	case err := <-done:
		return err
	case <-l.quit:
		// 循环可能在执行完 fn 后才停止
		select {
		case err := <-done:
			return err
		default:
			return ErrConnClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop 停止循环, 可在循环内部调用
func (l *loop) stop() {
	l.once.Do(func() { close(l.quit) })
}

// backlog 排队中的任务数
func (l *loop) backlog() int { return len(l.events) }

// run 执行任务直到 stop 或 ctx 取消
func (l *loop) run(ctx context.Context) error {
	for {
		select {
		case <-l.quit:
			return nil
		case <-ctx.Done():
			l.stop()
			return nil
		case fn := <-l.events:
			fn()
		}
	}
}
