// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 网络协作者 - 每个本地地址一个 socket, 实现 sctp.Network
// =============================================================================
package transport

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/cmtsctp/internal/metrics"
	"github.com/mrcgq/cmtsctp/internal/sctp"
)

// =============================================================================
// 常量定义
// =============================================================================

const (
	// 缓冲区配置
	maxBufferSize = 64 * 1024 * 1024 // 64MB 最大
	minBufferSize = 256 * 1024       // 256KB 最小

	// 链路 MTU 减去 IP 与 UDP 头
	defaultLinkMTU = 1500
	ipv4Overhead   = 20 + 8
	ipv6Overhead   = 40 + 8

	readTimeout   = time.Second
	maxDatagram   = 65535
	errTypeDecode = "decode"
	errTypeWrite  = "write"
	errTypeRead   = "read"
)

// ErrNetworkClosed 网络已关闭
var ErrNetworkClosed = errors.New("网络已关闭")

// =============================================================================
// 缓冲区配置
// =============================================================================

// BufferConfig 缓冲区配置
type BufferConfig struct {
	// 目标带宽 (bps)，用于自动计算缓冲区
	TargetBandwidth uint64

	// 预期 RTT (ms)，用于计算 BDP
	ExpectedRTTMs uint32

	// 手动指定缓冲区大小（优先级高于自动计算）
	ReadBufferSize  int
	WriteBufferSize int

	// 缓冲区倍数（相对于 BDP）
	BufferMultiplier float64
}

// DefaultBufferConfig 默认缓冲区配置
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		TargetBandwidth:  100 * 1000 * 1000, // 100 Mbps
		ExpectedRTTMs:    100,
		BufferMultiplier: 2.0,
	}
}

// calculateBufferSize 按 BDP 计算缓冲区大小
func (c *BufferConfig) calculateBufferSize() (readSize, writeSize int) {
	if c.ReadBufferSize > 0 && c.WriteBufferSize > 0 {
		return clampBufferSize(c.ReadBufferSize), clampBufferSize(c.WriteBufferSize)
	}

	// BDP = 带宽 (bytes/s) × RTT (s)
	bdp := float64(c.TargetBandwidth/8) * float64(c.ExpectedRTTMs) / 1000.0
	multiplier := c.BufferMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	size := clampBufferSize(int(bdp * multiplier))
	return size, size
}

// clampBufferSize 限制缓冲区大小在合理范围内
func clampBufferSize(size int) int {
	if size < minBufferSize {
		return minBufferSize
	}
	if size > maxBufferSize {
		return maxBufferSize
	}
	return size
}

// =============================================================================
// 数据结构
// =============================================================================

// DeliverFunc 入站数据包回调, 在 socket 读 goroutine 中执行
type DeliverFunc func(pkt *sctp.Packet, src, local netip.AddrPort)

type socket struct {
	conn  *net.UDPConn
	local netip.AddrPort
}

// UDPNetwork UDP 封装的多宿主网络
//
// 每个本地地址绑定一个 socket, 发送时选择与目的地址同族的第一个 socket。
type UDPNetwork struct {
	codec   Codec
	sockets []*socket
	linkMTU uint32
	metrics *metrics.EndpointMetrics
	logger  *log.Entry

	bufferConfig *BufferConfig

	closed    int32
	closeOnce sync.Once

	// 统计信息
	packetsRecv    uint64
	packetsSent    uint64
	bytesRecv      uint64
	bytesSent      uint64
	packetsDropped uint64
}

// NetworkOption 网络选项
type NetworkOption func(*UDPNetwork)

// WithBufferConfig 指定 socket 缓冲区
func WithBufferConfig(c *BufferConfig) NetworkOption {
	return func(n *UDPNetwork) {
		if c != nil {
			n.bufferConfig = c
		}
	}
}

// WithLinkMTU 指定链路 MTU
func WithLinkMTU(mtu uint32) NetworkOption {
	return func(n *UDPNetwork) {
		if mtu > 0 {
			n.linkMTU = mtu
		}
	}
}

// WithMetrics 收发埋点
func WithMetrics(m *metrics.EndpointMetrics) NetworkOption {
	return func(n *UDPNetwork) { n.metrics = m }
}

// =============================================================================
// 构造函数
// =============================================================================

// ListenUDP 在每个本地地址上绑定 socket; 任一失败则关闭已绑定的并返回错误
func ListenUDP(local []netip.AddrPort, opts ...NetworkOption) (*UDPNetwork, error) {
	if len(local) == 0 {
		return nil, errors.New("没有本地地址")
	}
	n := &UDPNetwork{
		linkMTU:      defaultLinkMTU,
		bufferConfig: DefaultBufferConfig(),
		logger:       log.WithField("component", "udp"),
	}
	for _, opt := range opts {
		opt(n)
	}

	for _, addr := range local {
		network := "udp6"
		if addr.Addr().Unmap().Is4() {
			network = "udp4"
		}
		conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(addr))
		if err != nil {
			n.Close()
			return nil, errors.Wrapf(err, "监听 %s 失败", addr)
		}
		bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
		bound = netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port())
		s := &socket{conn: conn, local: bound}
		n.setupBuffers(s)
		n.sockets = append(n.sockets, s)
	}
	n.logger.WithField("addrs", n.LocalAddrs()).Info("UDP 网络已启动")
	return n, nil
}

// setupBuffers 设置系统缓冲区, 失败时逐级减半
func (n *UDPNetwork) setupBuffers(s *socket) {
	readSize, writeSize := n.bufferConfig.calculateBufferSize()

	if err := s.conn.SetReadBuffer(readSize); err != nil {
		for size := readSize / 2; size >= minBufferSize; size /= 2 {
			if err := s.conn.SetReadBuffer(size); err == nil {
				readSize = size
				break
			}
		}
	}
	if err := s.conn.SetWriteBuffer(writeSize); err != nil {
		for size := writeSize / 2; size >= minBufferSize; size /= 2 {
			if err := s.conn.SetWriteBuffer(size); err == nil {
				writeSize = size
				break
			}
		}
	}
	n.logger.WithFields(log.Fields{
		"local": s.local,
		"read":  readSize,
		"write": writeSize,
	}).Debug("缓冲区配置")
}

// =============================================================================
// sctp.Network
// =============================================================================

// LocalAddrs 可通告给对端的本地地址 (不含通配地址)
func (n *UDPNetwork) LocalAddrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(n.sockets))
	for _, s := range n.sockets {
		if s.local.Addr().IsUnspecified() {
			continue
		}
		out = append(out, s.local)
	}
	return out
}

// BoundAddrs 全部 socket 的绑定地址
func (n *UDPNetwork) BoundAddrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(n.sockets))
	for _, s := range n.sockets {
		out = append(out, s.local)
	}
	return out
}

func (n *UDPNetwork) socketFor(dest netip.AddrPort) *socket {
	want4 := dest.Addr().Unmap().Is4()
	for _, s := range n.sockets {
		if s.local.Addr().Is4() == want4 {
			return s
		}
	}
	return nil
}

// Route 实现 sctp.Network: 有同族 socket 即可达
func (n *UDPNetwork) Route(dest netip.AddrPort) sctp.Route {
	if atomic.LoadInt32(&n.closed) == 1 || !dest.IsValid() {
		return sctp.Route{}
	}
	s := n.socketFor(dest)
	if s == nil {
		return sctp.Route{}
	}
	overhead := uint32(ipv6Overhead)
	if s.local.Addr().Is4() {
		overhead = ipv4Overhead
	}
	return sctp.Route{MTU: n.linkMTU - overhead, OK: true}
}

// Transmit 实现 sctp.Network: 编码并发送, 不阻塞协议状态
func (n *UDPNetwork) Transmit(pkt *sctp.Packet, dest netip.AddrPort) error {
	if atomic.LoadInt32(&n.closed) == 1 {
		return ErrNetworkClosed
	}
	s := n.socketFor(dest)
	if s == nil {
		return errors.Errorf("没有到 %s 的 socket", dest)
	}
	b, err := n.codec.Encode(pkt)
	if err != nil {
		n.recordError(errTypeWrite)
		return err
	}
	if s.local.Addr().Is4() {
		dest = netip.AddrPortFrom(dest.Addr().Unmap(), dest.Port())
	}
	if _, err := s.conn.WriteToUDPAddrPort(b, dest); err != nil {
		n.recordError(errTypeWrite)
		return errors.Wrapf(err, "发送到 %s", dest)
	}
	atomic.AddUint64(&n.packetsSent, 1)
	atomic.AddUint64(&n.bytesSent, uint64(len(b)))
	if n.metrics != nil {
		n.metrics.DatagramOut(len(b))
	}
	return nil
}

// =============================================================================
// 接收
// =============================================================================

// Serve 为每个 socket 运行读循环, 直到 ctx 取消或网络关闭
func (n *UDPNetwork) Serve(ctx context.Context, deliver DeliverFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range n.sockets {
		s := s
		g.Go(func() error { return n.readLoop(ctx, s, deliver) })
	}
	return g.Wait()
}

// readLoop 读取循环
func (n *UDPNetwork) readLoop(ctx context.Context, s *socket, deliver DeliverFunc) error {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if atomic.LoadInt32(&n.closed) == 1 {
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		size, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if atomic.LoadInt32(&n.closed) == 1 {
				return nil
			}
			n.recordError(errTypeRead)
			n.logger.WithError(err).WithField("local", s.local).Debug("读取失败")
			continue
		}
		if size == 0 {
			continue
		}

		atomic.AddUint64(&n.packetsRecv, 1)
		atomic.AddUint64(&n.bytesRecv, uint64(size))
		if n.metrics != nil {
			n.metrics.DatagramIn(size)
		}

		pkt, err := n.codec.Decode(buf[:size])
		if err != nil {
			atomic.AddUint64(&n.packetsDropped, 1)
			n.recordError(errTypeDecode)
			n.logger.WithError(err).WithField("src", src).Debug("丢弃无法解码的数据报")
			continue
		}
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
		deliver(pkt, src, s.local)
	}
}

func (n *UDPNetwork) recordError(typ string) {
	if n.metrics != nil {
		n.metrics.RecordError(typ)
	}
}

// GetStats 收发统计
func (n *UDPNetwork) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_recv":    atomic.LoadUint64(&n.packetsRecv),
		"packets_sent":    atomic.LoadUint64(&n.packetsSent),
		"bytes_recv":      atomic.LoadUint64(&n.bytesRecv),
		"bytes_sent":      atomic.LoadUint64(&n.bytesSent),
		"packets_dropped": atomic.LoadUint64(&n.packetsDropped),
	}
}

// =============================================================================
// 停止方法
// =============================================================================

// Close 关闭全部 socket, 可重复调用
func (n *UDPNetwork) Close() error {
	var err error
	n.closeOnce.Do(func() {
		atomic.StoreInt32(&n.closed, 1)
		for _, s := range n.sockets {
			if e := s.conn.Close(); e != nil && err == nil {
				err = e
			}
		}
		n.logger.Info("UDP 网络已停止")
	})
	return err
}

var _ sctp.Network = (*UDPNetwork)(nil)
