// =============================================================================
// 文件: internal/transport/conn.go
// 描述: 偶联句柄 - 应用调用经事件循环串行化, 阻塞接口支持 context
// =============================================================================
package transport

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/cmtsctp/internal/clock"
	"github.com/mrcgq/cmtsctp/internal/sctp"
)

// Conn 一个运行中的偶联
//
// 除 assoc 外的循环内字段只在事件循环中访问。
type Conn struct {
	ep      *Endpoint
	id      uint32
	tag     uint32
	role    string
	assoc   *sctp.Association
	loop    *loop
	clk     *clock.Wall
	started time.Time

	established chan struct{}
	estOnce     sync.Once
	done        chan struct{}
	doneOnce    sync.Once

	// 可读/可写的边沿信号
	readable chan struct{}
	writable chan struct{}

	mu      sync.Mutex
	reason  error
	pending []sctp.Message

	// 循环内
	wasEstablished bool
}

func newConn(ep *Endpoint, id uint32, role string) *Conn {
	c := &Conn{
		ep:          ep,
		id:          id,
		role:        role,
		loop:        newLoop(),
		started:     time.Now(),
		established: make(chan struct{}),
		done:        make(chan struct{}),
		readable:    make(chan struct{}, 1),
		writable:    make(chan struct{}, 1),
	}
	c.clk = clock.NewWall(c.loop.dispatch)
	return c
}

func (c *Conn) logger() *log.Entry {
	return c.ep.logger.WithFields(log.Fields{
		"assoc": c.id,
		"role":  c.role,
	})
}

// ID 偶联编号
func (c *Conn) ID() uint32 { return c.id }

// Done 偶联结束时关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 结束原因; 优雅关闭为 nil
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// closeReason 结束原因, 优雅关闭时为 ErrConnClosed
func (c *Conn) closeReason() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnClosed
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ----------------------------------------------------------------------------
// 事件循环内
// ----------------------------------------------------------------------------

// HandleNotification 实现 sctp.Handler, 在事件循环中调用
func (c *Conn) HandleNotification(n sctp.Notification) {
	if c.ep.opts.Handler != nil {
		c.ep.opts.Handler.HandleNotification(n)
	}
	switch n.Kind {
	case sctp.NotifyEstablished:
		c.wasEstablished = true
		if m := c.ep.opts.Metrics; m != nil {
			var handshake time.Duration
			if c.role == roleClient {
				handshake = time.Since(c.started)
			}
			m.AssociationOpened(c.role, handshake)
		}
		c.estOnce.Do(func() { close(c.established) })
		if c.role == roleServer {
			c.ep.enqueueAccept(c)
		}
	case sctp.NotifyDataArrived:
		signal(c.readable)
	case sctp.NotifySendQueueAbated:
		signal(c.writable)
	case sctp.NotifyConnLost, sctp.NotifyAborted:
		c.finish(n.Err)
	case sctp.NotifyClosed:
		if errors.Is(n.Err, sctp.ErrAssociationClosed) {
			c.finish(nil)
		} else {
			c.finish(n.Err)
		}
	}
}

// handlePacket 处理入站包
func (c *Conn) handlePacket(pkt *sctp.Packet, src netip.AddrPort) {
	if err := c.assoc.HandlePacket(pkt, src); err != nil && !isClosedErr(err) {
		c.logger().WithError(err).WithField("src", src).Debug("入站包处理出错")
	}
	c.afterEvent()
}

// afterEvent 建立后登记对端地址
func (c *Conn) afterEvent() {
	if c.wasEstablished && c.assoc.State() != sctp.StateClosed {
		c.ep.registerPaths(c, c.assoc.Paths())
	}
}

// finish 结束偶联: 保留未读消息, 注销并停止事件循环
func (c *Conn) finish(reason error) {
	c.doneOnce.Do(func() {
		var pending []sctp.Message
		for {
			msg, err := c.assoc.ReceiveAny()
			if err != nil {
				break
			}
			pending = append(pending, msg)
		}
		c.mu.Lock()
		c.reason = reason
		c.pending = pending
		c.mu.Unlock()

		if m := c.ep.opts.Metrics; m != nil {
			if c.wasEstablished {
				m.AssociationClosed(c.role)
			} else {
				m.AssociationFailed(c.role)
			}
		}
		c.logger().WithError(reason).Info("偶联结束")

		c.ep.remove(c)
		c.clk.Stop()
		close(c.done)
		c.loop.stop()
	})
}

// ----------------------------------------------------------------------------
// 应用接口
// ----------------------------------------------------------------------------

func (c *Conn) call(ctx context.Context, fn func() error) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	return c.loop.call(ctx, fn)
}

// Send 发送一条消息; 发送队列满时等待 SENDQUEUE_ABATED
func (c *Conn) Send(ctx context.Context, stream uint16, data []byte, opts sctp.SendOptions) error {
	for {
		err := c.call(ctx, func() error {
			return c.assoc.Send(stream, data, opts)
		})
		if !errors.Is(err, sctp.ErrSendBufferFull) {
			return err
		}
		select {
		case <-c.writable:
		case <-c.done:
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// takePending 偶联结束后取出残留消息
func (c *Conn) takePending() (sctp.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return sctp.Message{}, ErrConnClosed
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, nil
}

// Recv 按到达顺序接收任意流上的下一条消息
func (c *Conn) Recv(ctx context.Context) (sctp.Message, error) {
	for {
		var msg sctp.Message
		err := c.call(ctx, func() error {
			m, err := c.assoc.ReceiveAny()
			msg = m
			return err
		})
		switch {
		case err == nil:
			return msg, nil
		case errors.Is(err, ErrConnClosed):
			return c.takePending()
		case !errors.Is(err, sctp.ErrReceiveBufferEmpty):
			return msg, err
		}
		select {
		case <-c.readable:
		case <-c.done:
			return c.takePending()
		case <-ctx.Done():
			return sctp.Message{}, ctx.Err()
		}
	}
}

// Close 优雅关闭并等待完成; ctx 到期时中止偶联
func (c *Conn) Close(ctx context.Context) error {
	err := c.call(ctx, c.assoc.Close)
	if err != nil && !isClosedErr(err) {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		_ = c.Abort()
		return ctx.Err()
	}
}

// Abort 立即中止偶联
func (c *Conn) Abort() error {
	return c.call(context.Background(), c.assoc.Abort)
}

// RequestStreamReset 发起流重置
func (c *Conn) RequestStreamReset(ctx context.Context, kind sctp.ResetKind, streams []uint16) error {
	return c.call(ctx, func() error {
		return c.assoc.RequestStreamReset(kind, streams)
	})
}

// SetPrimaryPath 切换主路径
func (c *Conn) SetPrimaryPath(ctx context.Context, addr netip.AddrPort) error {
	return c.call(ctx, func() error {
		return c.assoc.SetPrimaryPath(addr)
	})
}

// SetStreamPriority 设置流优先级
func (c *Conn) SetStreamPriority(ctx context.Context, stream uint16, priority int) error {
	return c.call(ctx, func() error {
		return c.assoc.SetStreamPriority(stream, priority)
	})
}

// Paths 路径快照
func (c *Conn) Paths(ctx context.Context) ([]sctp.PathSnapshot, error) {
	var paths []sctp.PathSnapshot
	err := c.call(ctx, func() error {
		paths = c.assoc.Paths()
		return nil
	})
	return paths, err
}

// State 偶联状态; 结束后为 CLOSED
func (c *Conn) State(ctx context.Context) sctp.State {
	state := sctp.StateClosed
	_ = c.call(ctx, func() error {
		state = c.assoc.State()
		return nil
	})
	return state
}

// Counter 读取偶联计数器
func (c *Conn) Counter(ctx context.Context, ctr sctp.Counter) uint64 {
	var v uint64
	_ = c.call(ctx, func() error {
		v = c.assoc.Counter(ctr)
		return nil
	})
	return v
}

var _ sctp.Handler = (*Conn)(nil)
