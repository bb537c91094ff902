// =============================================================================
// 文件: internal/transport/endpoint.go
// 描述: 端点 - 按验证标签与源地址分发入站包, 管理偶联的建立、接受与关闭
// =============================================================================
package transport

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/cmtsctp/internal/clock"
	"github.com/mrcgq/cmtsctp/internal/cookie"
	"github.com/mrcgq/cmtsctp/internal/metrics"
	"github.com/mrcgq/cmtsctp/internal/sctp"
)

const acceptQueueSize = 128

const (
	roleClient = "client"
	roleServer = "server"
)

// 错误定义
var (
	ErrEndpointClosed = errors.New("端点已关闭")
	ErrConnClosed     = errors.New("偶联已结束")
	ErrNotListening   = errors.New("端点未监听")
)

// EndpointOptions 端点参数
type EndpointOptions struct {
	// Config 每个偶联复制一份
	Config sctp.Config
	// Sealer 监听时必需
	Sealer *cookie.Sealer
	// Handler 额外接收全部偶联的通知, 需并发安全
	Handler sctp.Handler
	// Stats 统计输出, 需并发安全
	Stats   sctp.StatsSink
	Metrics *metrics.EndpointMetrics
	Logger  *log.Entry
}

// Endpoint 一组本地地址上的 SCTP 端点
//
// 每个偶联在自己的事件循环 goroutine 中运行; 端点只负责分发与生命周期。
type Endpoint struct {
	opts   EndpointOptions
	net    *UDPNetwork
	logger *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.RWMutex
	byTag  map[uint32]*Conn
	byAddr map[netip.AddrPort]*Conn
	conns  map[uint32]*Conn
	closed bool

	// 监听方状态只在持有 lmu 时访问
	lmu      sync.Mutex
	listener *sctp.Listener

	acceptCh  chan *Conn
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	nextID     uint32
	dialGroup  singleflight.Group
	unknownPkt uint64
}

// NewEndpoint 在 network 上创建端点并启动读循环
func NewEndpoint(ctx context.Context, network *UDPNetwork, opts EndpointOptions) *Endpoint {
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	e := &Endpoint{
		opts:     opts,
		net:      network,
		logger:   opts.Logger.WithField("component", "endpoint"),
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
		byTag:    make(map[uint32]*Conn),
		byAddr:   make(map[netip.AddrPort]*Conn),
		conns:    make(map[uint32]*Conn),
		acceptCh: make(chan *Conn, acceptQueueSize),
		done:     make(chan struct{}),
	}
	group.Go(func() error {
		return network.Serve(gctx, e.deliver)
	})
	return e
}

// Network 底层网络
func (e *Endpoint) Network() *UDPNetwork { return e.net }

// Listen 开始接受入站偶联
func (e *Endpoint) Listen() error {
	if e.opts.Sealer == nil {
		return errors.Wrap(sctp.ErrCookieInvalid, "监听需要 cookie 密钥")
	}
	e.lmu.Lock()
	defer e.lmu.Unlock()
	if e.listener != nil {
		return nil
	}
	e.listener = sctp.NewListener(e.opts.Config, sctp.Options{
		Network: e.net,
		Sealer:  e.opts.Sealer,
		Clock:   clock.NewWall(nil),
		Logger:  e.opts.Logger,
	}, e.net.LocalAddrs())
	e.logger.WithField("addrs", e.net.BoundAddrs()).Info("开始接受偶联")
	return nil
}

// Accept 等待下一个已建立的入站偶联
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	e.lmu.Lock()
	listening := e.listener != nil
	e.lmu.Unlock()
	if !listening {
		return nil, ErrNotListening
	}
	select {
	case c := <-e.acceptCh:
		return c, nil
	case <-e.done:
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dialKey 同一组对端地址的并发 Dial 合并为一次
func dialKey(remotes []netip.AddrPort) string {
	keys := make([]string, len(remotes))
	for i, r := range remotes {
		keys[i] = r.String()
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Dial 建立到 remotes 的偶联, remotes[0] 为主路径
//
// 对同一组地址的并发调用共享同一个偶联。
func (e *Endpoint) Dial(ctx context.Context, remotes []netip.AddrPort) (*Conn, error) {
	if len(remotes) == 0 {
		return nil, errors.Wrap(sctp.ErrNoActivePath, "没有对端地址")
	}
	v, err, shared := e.dialGroup.Do(dialKey(remotes), func() (interface{}, error) {
		return e.dial(ctx, remotes)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.WithField("remotes", remotes).Debug("合并并发 Dial")
	}
	return v.(*Conn), nil
}

func (e *Endpoint) dial(ctx context.Context, remotes []netip.AddrPort) (*Conn, error) {
	c, err := e.newConn(roleClient)
	if err != nil {
		return nil, err
	}
	e.register(c, c.assoc.LocalTag(), remotes)
	if err := e.startConn(c); err != nil {
		return nil, err
	}

	local := e.net.LocalAddrs()
	err = c.loop.call(ctx, func() error {
		if err := c.assoc.Connect(local, remotes); err != nil {
			c.finish(err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "发起偶联失败")
	}

	select {
	case <-c.established:
		return c, nil
	case <-c.done:
		return nil, errors.Wrap(c.closeReason(), "建立偶联失败")
	case <-ctx.Done():
		c.loop.post(func() {
			if c.assoc.State() != sctp.StateClosed {
				_ = c.assoc.Abort()
			}
			c.finish(ctx.Err())
		})
		return nil, ctx.Err()
	}
}

// newConn 创建偶联与其事件循环 (尚未启动)
func (e *Endpoint) newConn(role string) (*Conn, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEndpointClosed
	}

	id := atomic.AddUint32(&e.nextID, 1)
	c := newConn(e, id, role)
	c.assoc = sctp.New(e.opts.Config, sctp.Options{
		Clock:   c.clk,
		Network: e.net,
		Handler: c,
		Stats:   e.opts.Stats,
		Sealer:  e.opts.Sealer,
		ID:      id,
		Logger:  e.opts.Logger,
	})
	return c, nil
}

// startConn 在端点的 errgroup 中运行偶联的事件循环
func (e *Endpoint) startConn(c *Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.unregisterLocked(c)
		return ErrEndpointClosed
	}
	e.group.Go(func() error {
		return c.loop.run(e.ctx)
	})
	return nil
}

// register 登记验证标签与对端地址
func (e *Endpoint) register(c *Conn, tag uint32, addrs []netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c.id] = c
	if tag != 0 {
		e.byTag[tag] = c
		c.tag = tag
	}
	for _, a := range addrs {
		if _, taken := e.byAddr[a]; !taken {
			e.byAddr[a] = c
		}
	}
}

// registerPaths 建立后登记对端通告的其余地址
func (e *Endpoint) registerPaths(c *Conn, paths []sctp.PathSnapshot) {
	addrs := make([]netip.AddrPort, 0, len(paths))
	for _, p := range paths {
		addrs = append(addrs, p.Addr)
	}
	e.register(c, 0, addrs)
}

func (e *Endpoint) unregisterLocked(c *Conn) {
	delete(e.conns, c.id)
	if e.byTag[c.tag] == c {
		delete(e.byTag, c.tag)
	}
	for a, owner := range e.byAddr {
		if owner == c {
			delete(e.byAddr, a)
		}
	}
}

func (e *Endpoint) unregister(c *Conn) {
	e.mu.Lock()
	e.unregisterLocked(c)
	e.mu.Unlock()
}

// lookup 先按验证标签, 再按源地址 (T 位报文); INIT 总是交给监听方
func (e *Endpoint) lookup(pkt *sctp.Packet, src netip.AddrPort) *Conn {
	if len(pkt.Chunks) > 0 && pkt.Chunks[0].Type() == sctp.ChunkInit {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if pkt.VerificationTag != 0 {
		if c, ok := e.byTag[pkt.VerificationTag]; ok {
			return c
		}
	}
	return e.byAddr[src]
}

// deliver 在 socket 读 goroutine 中执行
func (e *Endpoint) deliver(pkt *sctp.Packet, src, local netip.AddrPort) {
	if c := e.lookup(pkt, src); c != nil {
		if c.loop.post(func() { c.handlePacket(pkt, src) }) && e.opts.Metrics != nil {
			e.opts.Metrics.SetBacklog(c.loop.backlog())
		}
		return
	}
	e.handleUnknown(pkt, src)
}

// handleUnknown 无主报文交给监听方; 合法 COOKIE-ECHO 创建新偶联
func (e *Endpoint) handleUnknown(pkt *sctp.Packet, src netip.AddrPort) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	if e.listener == nil {
		atomic.AddUint64(&e.unknownPkt, 1)
		e.logger.WithField("src", src).Debug("未监听, 丢弃无主报文")
		return
	}

	st, err := e.listener.HandlePacket(pkt, src)
	if err != nil {
		atomic.AddUint64(&e.unknownPkt, 1)
		if e.opts.Metrics != nil {
			e.opts.Metrics.RecordError("handshake")
		}
		e.logger.WithError(err).WithField("src", src).Debug("握手报文被拒绝")
		return
	}
	if st == nil {
		return
	}

	// 重复的 COOKIE-ECHO 可能与建立同时到达
	e.mu.RLock()
	existing := e.byTag[st.LocalTag]
	e.mu.RUnlock()
	if existing != nil {
		existing.loop.post(func() { existing.handlePacket(pkt, src) })
		return
	}

	c, err := e.newConn(roleServer)
	if err != nil {
		return
	}
	e.register(c, st.LocalTag, append([]netip.AddrPort{src}, st.PeerAddrs...))
	if err := e.startConn(c); err != nil {
		return
	}
	c.loop.post(func() {
		if err := c.assoc.Accept(st, pkt, src); err != nil {
			c.logger().WithError(err).Debug("接受偶联时处理捆绑块出错")
		}
		c.afterEvent()
	})
}

// enqueueAccept 在偶联的事件循环中调用, 不阻塞
func (e *Endpoint) enqueueAccept(c *Conn) {
	select {
	case e.acceptCh <- c:
	default:
		e.logger.WithField("assoc", c.id).Warn("接受队列已满, 偶联未交给应用")
	}
}

func (e *Endpoint) remove(c *Conn) {
	e.unregister(c)
}

// Conns 当前全部偶联
func (e *Endpoint) Conns() []*Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// GetStats 端点统计
func (e *Endpoint) GetStats() map[string]uint64 {
	stats := e.net.GetStats()
	e.mu.RLock()
	stats["associations"] = uint64(len(e.conns))
	e.mu.RUnlock()
	stats["unknown_packets"] = atomic.LoadUint64(&e.unknownPkt)
	return stats
}

// Close 中止全部偶联, 关闭网络并等待所有 goroutine 退出
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)

		conns := e.Conns()
		var result *multierror.Error
		for _, c := range conns {
			if err := c.Abort(); err != nil && !isClosedErr(err) {
				result = multierror.Append(result, errors.Wrapf(err, "中止偶联 %d", c.id))
			}
		}

		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		if err := e.net.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "关闭网络"))
		}
		e.cancel()
		if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
		e.closeErr = result.ErrorOrNil()
		e.logger.Info("端点已关闭")
	})
	return e.closeErr
}

func isClosedErr(err error) bool {
	return errors.Is(err, ErrConnClosed) || errors.Is(err, sctp.ErrAssociationClosed)
}
