// =============================================================================
// 文件: internal/sctp/handshake.go
// 描述: 四次握手 - INIT / INIT-ACK / COOKIE-ECHO / COOKIE-ACK 与无状态监听方
// =============================================================================
package sctp

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/cmtsctp/internal/clock"
	"github.com/mrcgq/cmtsctp/internal/cookie"
	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

// addPath 添加目的地址并分配账本计数器; 路由不可达的路径初始为非活动
func (a *Association) addPath(addr netip.AddrPort) PathID {
	var route Route
	if a.net != nil {
		route = a.net.Route(addr)
	} else {
		route = Route{MTU: DefaultMTU, OK: true}
	}
	id, added := a.paths.add(addr, route.MTU, a.cfg.RTO)
	if !added {
		return id
	}
	a.ledger.addPath()
	if !route.OK {
		a.paths.get(id).active = false
		a.log().WithField("path", addr).Warn("目的地址不可达")
	}
	if a.paths.primary == id && !route.OK {
		if next := a.paths.next(id); next != NoPath {
			a.paths.primary = next
		}
	}
	return id
}

// setInitialTSN 重置发送方序号空间, 只能在发送任何数据前调用
func (a *Association) setInitialTSN(tsn seqnum.TSN) {
	a.initialTSN = tsn
	a.nextTSN = tsn
	a.lastTsnAck = tsn.Prev()
	a.advancedPeerAckPoint = a.lastTsnAck
	a.ledger = newLedger(tsn)
	for range a.paths.paths {
		a.ledger.addPath()
	}
	a.reset = newResetState(uint32(tsn))
}

// Connect 主动建立偶联: remote 中第一个地址为主路径
func (a *Association) Connect(local, remote []netip.AddrPort) error {
	if a.state != StateClosed || a.paths.count() > 0 {
		return errors.Wrapf(ErrInvalidState, "状态 %s 不能发起连接", a.state)
	}
	if len(remote) == 0 {
		return errors.Wrap(ErrNoActivePath, "没有对端地址")
	}
	a.localAddrs = append([]netip.AddrPort(nil), local...)
	for _, addr := range remote {
		a.addPath(addr)
	}
	if a.paths.allInactive() {
		return errors.Wrap(ErrNoActivePath, "对端地址均不可达")
	}
	a.initChunk = &Init{
		InitiateTag:     a.localTag,
		ARwnd:           a.cfg.ARwnd,
		OutboundStreams: a.cfg.OutboundStreams,
		InboundStreams:  a.cfg.InboundStreams,
		InitialTSN:      a.initialTSN,
		Addresses:       a.localAddrs,
		ForwardTSN:      a.cfg.ForwardTSN,
		ReConfig:        a.cfg.ReConfig,
	}
	a.setState(StateCookieWait)
	a.initRetries = 0
	a.t1Timeout = a.cfg.RTO.Initial
	a.log().WithFields(log.Fields{
		"remote": remote,
		"tsn":    a.initialTSN,
	}).Info("发起偶联")
	a.sendInit()
	return nil
}

// sendInit INIT 使用零验证标签
func (a *Association) sendInit() {
	p := a.paths.primaryPath()
	if p == nil || a.initChunk == nil {
		return
	}
	a.transmitTo(p.addr, &Packet{
		SrcPort: a.cfg.LocalPort,
		DstPort: a.cfg.PeerPort,
		Chunks:  []Chunk{a.initChunk},
	})
	a.startTimer(&a.t1, a.t1Timeout, a.t1Expired)
}

// t1Expired 重发 INIT 或 COOKIE-ECHO, 超时时间加倍
func (a *Association) t1Expired() {
	a.initRetries++
	if a.initRetries > a.cfg.MaxInitRetrans {
		a.connectionLost(ErrInitFailed)
		return
	}
	a.t1Timeout *= 2
	if a.t1Timeout > a.cfg.MaxInitRTO {
		a.t1Timeout = a.cfg.MaxInitRTO
	}
	a.log().WithFields(log.Fields{
		"retries": a.initRetries,
		"timeout": a.t1Timeout,
	}).Debug("T1 超时")
	switch a.state {
	case StateCookieWait:
		a.sendInit()
	case StateCookieEchoed:
		a.sendControl(a.cookieEcho)
		a.startTimer(&a.t1, a.t1Timeout, a.t1Expired)
	}
}

// handleInit 已有偶联收到 INIT: 不支持重启与碰撞处理, 丢弃
func (a *Association) handleInit(c *Init, src netip.AddrPort) {
	a.count(CounterDiscarded, 1)
	a.log().WithField("src", src).Debug("忽略已有偶联上的 INIT")
}

func minStreams(x, y uint16) uint16 {
	if x < y {
		return x
	}
	return y
}

// handleInitAck 保存对端参数并回送 COOKIE-ECHO
func (a *Association) handleInitAck(c *InitAck, src netip.AddrPort) error {
	if a.state != StateCookieWait {
		return nil
	}
	if c.InitiateTag == 0 || c.OutboundStreams == 0 || c.InboundStreams == 0 {
		a.connectionLost(ErrProtocolViolation)
		return errors.Wrap(ErrProtocolViolation, "INIT-ACK 参数无效")
	}
	a.peerTag = c.InitiateTag
	a.peerForwardTSN = a.cfg.ForwardTSN && c.ForwardTSN
	a.peerReConfig = a.cfg.ReConfig && c.ReConfig
	a.outStreams = minStreams(a.cfg.OutboundStreams, c.InboundStreams)
	a.inStreams = minStreams(a.cfg.InboundStreams, c.OutboundStreams)
	a.in = newInbound(c.InitialTSN, a.cfg.ARwnd, a.inStreams)
	a.peerRwnd = c.ARwnd
	a.initialPeerRwnd = c.ARwnd
	a.lastARwnd = c.ARwnd

	if p := a.paths.primaryPath(); p != nil {
		p.confirmed = true
	}
	if _, ok := a.paths.lookup(src); !ok {
		a.addPath(src)
	}
	for _, addr := range c.Addresses {
		a.addPath(addr)
	}

	a.cookieEcho = &CookieEcho{Cookie: append([]byte(nil), c.Cookie...)}
	a.initChunk = nil
	a.setState(StateCookieEchoed)
	a.initRetries = 0
	a.t1Timeout = a.cfg.RTO.Initial
	a.sendControl(a.cookieEcho)
	a.startTimer(&a.t1, a.t1Timeout, a.t1Expired)
	return nil
}

// handleCookieEcho 偶联已建立时对端重发的 COOKIE-ECHO: COOKIE-ACK 丢失
func (a *Association) handleCookieEcho(c *CookieEcho, src netip.AddrPort) {
	if a.state < StateEstablished {
		return
	}
	a.transmitTo(src, a.packet([]Chunk{&CookieAck{}}))
}

func (a *Association) handleCookieAck() {
	if a.state != StateCookieEchoed {
		return
	}
	a.stopTimer(&a.t1)
	a.cookieEcho = nil
	a.establish()
}

// handleStaleCookie cookie 在对端过期: 重新发起 INIT
func (a *Association) handleStaleCookie(staleness time.Duration) {
	if a.state != StateCookieEchoed {
		return
	}
	a.log().WithField("staleness", staleness).Info("cookie 过期, 重新发起 INIT")
	a.staleCookies++
	if a.staleCookies > a.cfg.MaxInitRetrans {
		a.connectionLost(ErrInitFailed)
		return
	}
	a.peerTag = 0
	a.in = nil
	a.cookieEcho = nil
	a.initChunk = &Init{
		InitiateTag:     a.localTag,
		ARwnd:           a.cfg.ARwnd,
		OutboundStreams: a.cfg.OutboundStreams,
		InboundStreams:  a.cfg.InboundStreams,
		InitialTSN:      a.initialTSN,
		Addresses:       a.localAddrs,
		ForwardTSN:      a.cfg.ForwardTSN,
		ReConfig:        a.cfg.ReConfig,
	}
	a.setState(StateCookieWait)
	a.sendInit()
}

// establish 进入 ESTABLISHED: 初始化窗口, 启动心跳
func (a *Association) establish() {
	a.setState(StateEstablished)
	for _, m := range a.out.resize(a.outStreams) {
		a.log().WithField("stream", m.stream).Warn("协商后的流数量不足, 丢弃排队消息")
		a.count(CounterAbandoned, 1)
		a.notify(Notification{Kind: NotifyAbandoned, Stream: m.stream, Bytes: len(m.data), Err: ErrInvalidStream})
	}
	a.paths.initWindows(a.congestionParams(), a.peerRwnd)
	if a.in != nil {
		a.reset.peerReqSeq = uint32(a.in.cum.Next())
	}
	a.startHeartbeats()
	a.log().WithFields(log.Fields{
		"peer_tag": a.peerTag,
		"paths":    a.paths.count(),
		"out":      a.outStreams,
		"in":       a.inStreams,
	}).Info("偶联已建立")
	a.notify(Notification{Kind: NotifyEstablished})
	a.publishPaths()
}

// Accept 以监听方校验过的 cookie 状态建立偶联
//
// pkt 为携带 COOKIE-ECHO 的包, 其后捆绑的块在建立后处理。
func (a *Association) Accept(st *cookie.State, pkt *Packet, src netip.AddrPort) error {
	if a.state != StateClosed || a.paths.count() > 0 {
		return errors.Wrapf(ErrInvalidState, "状态 %s 不能接受连接", a.state)
	}
	a.cfg.LocalPort = st.LocalPort
	a.cfg.PeerPort = st.PeerPort
	a.localTag = st.LocalTag
	a.peerTag = st.PeerTag
	a.setInitialTSN(seqnum.TSN(st.LocalInitialTSN))
	a.peerForwardTSN = a.cfg.ForwardTSN && st.PeerFeatures.Has(cookie.FeatureForwardTSN)
	a.peerReConfig = a.cfg.ReConfig && st.PeerFeatures.Has(cookie.FeatureReConfig)
	a.outStreams = st.OutboundStreams
	a.inStreams = st.InboundStreams
	a.in = newInbound(seqnum.TSN(st.PeerInitialTSN), a.cfg.ARwnd, a.inStreams)
	a.peerRwnd = st.PeerRwnd
	a.initialPeerRwnd = st.PeerRwnd
	a.lastARwnd = st.PeerRwnd

	primary := a.addPath(src)
	a.paths.get(primary).confirmed = true
	a.paths.setPrimary(primary)
	a.paths.initialPrimary = primary
	for _, addr := range st.PeerAddrs {
		a.addPath(addr)
	}

	a.establish()
	a.transmitTo(src, a.packet([]Chunk{&CookieAck{}}))
	a.count(CounterPacketsReceived, 1)

	var err error
	if pkt != nil && len(pkt.Chunks) > 1 {
		err = a.dispatch(pkt.Chunks[1:], src, primary)
	}
	if a.state == StateClosed {
		return err
	}
	a.afterPacket()
	a.sendOnAllPaths(primary)
	return err
}

// ----------------------------------------------------------------------------
// 监听方
// ----------------------------------------------------------------------------

// Listener 无状态应答 INIT, 校验 COOKIE-ECHO
//
// 在收到合法 cookie 之前不为对端分配任何资源。
type Listener struct {
	cfg    Config
	net    Network
	sealer *cookie.Sealer
	clk    clock.Scheduler
	rand   io.Reader
	local  []netip.AddrPort
	logger *log.Entry
	// 非零时作为每个新偶联的本端初始 TSN
	initialTSN uint32
}

// NewListener 创建监听方; opts 需提供 Network、Sealer 与 Clock
func NewListener(cfg Config, opts Options, local []netip.AddrPort) *Listener {
	cfg.normalize()
	l := &Listener{
		cfg:    cfg,
		net:    opts.Network,
		sealer: opts.Sealer,
		clk:    opts.Clock,
		rand:   opts.Rand,
		local:  append([]netip.AddrPort(nil), local...),
		logger: opts.Logger,

		initialTSN: opts.InitialTSN,
	}
	if l.rand == nil {
		l.rand = rand.Reader
	}
	if l.logger == nil {
		l.logger = log.NewEntry(log.StandardLogger())
	}
	l.logger = l.logger.WithField("component", "listener")
	return l
}

func (l *Listener) randomNonZero() uint32 {
	var b [4]byte
	for {
		if _, err := io.ReadFull(l.rand, b[:]); err != nil {
			return uint32(l.clk.Now().UnixNano()) | 1
		}
		if v := binary.BigEndian.Uint32(b[:]); v != 0 {
			return v
		}
	}
}

// HandlePacket 处理发往未知偶联的包
//
// INIT 得到 INIT-ACK 应答并返回 (nil, nil); 合法 COOKIE-ECHO 返回 cookie 中的状态,
// 调用方据此创建偶联并调用 Accept。
func (l *Listener) HandlePacket(pkt *Packet, src netip.AddrPort) (*cookie.State, error) {
	if len(pkt.Chunks) == 0 {
		return nil, ErrMalformed
	}
	switch c := pkt.Chunks[0].(type) {
	case *Init:
		if len(pkt.Chunks) != 1 || pkt.VerificationTag != 0 {
			return nil, errors.Wrap(ErrProtocolViolation, "INIT 必须单独成包且验证标签为 0")
		}
		return nil, l.answerInit(pkt, c, src)
	case *CookieEcho:
		return l.openCookie(pkt, c, src)
	default:
		return nil, errors.Wrapf(ErrProtocolViolation, "无偶联的 %s", c.Type())
	}
}

func (l *Listener) answerInit(pkt *Packet, c *Init, src netip.AddrPort) error {
	if c.InitiateTag == 0 || c.OutboundStreams == 0 || c.InboundStreams == 0 {
		return errors.Wrap(ErrProtocolViolation, "INIT 参数无效")
	}
	if l.sealer == nil {
		return errors.Wrap(ErrCookieInvalid, "未配置 cookie 密钥")
	}
	var features cookie.Features
	if c.ForwardTSN {
		features |= cookie.FeatureForwardTSN
	}
	if c.ReConfig {
		features |= cookie.FeatureReConfig
	}
	addrs := []netip.AddrPort{src}
	for _, addr := range c.Addresses {
		if addr != src {
			addrs = append(addrs, addr)
		}
	}
	initialTSN := l.initialTSN
	if initialTSN == 0 {
		initialTSN = l.randomNonZero()
	}
	st := &cookie.State{
		LocalTag:        l.randomNonZero(),
		PeerTag:         c.InitiateTag,
		LocalInitialTSN: initialTSN,
		PeerInitialTSN:  uint32(c.InitialTSN),
		PeerRwnd:        c.ARwnd,
		OutboundStreams: minStreams(l.cfg.OutboundStreams, c.InboundStreams),
		InboundStreams:  minStreams(l.cfg.InboundStreams, c.OutboundStreams),
		LocalPort:       pkt.DstPort,
		PeerPort:        pkt.SrcPort,
		PeerFeatures:    features,
		PeerAddrs:       addrs,
		CreatedAt:       l.clk.Now(),
	}
	sealed, err := l.sealer.Seal(st)
	if err != nil {
		return errors.Wrap(err, "生成 cookie 失败")
	}
	ack := &InitAck{
		Init: Init{
			InitiateTag:     st.LocalTag,
			ARwnd:           l.cfg.ARwnd,
			OutboundStreams: st.OutboundStreams,
			InboundStreams:  st.InboundStreams,
			InitialTSN:      seqnum.TSN(st.LocalInitialTSN),
			Addresses:       l.local,
			ForwardTSN:      l.cfg.ForwardTSN,
			ReConfig:        l.cfg.ReConfig,
		},
		Cookie: sealed,
	}
	l.transmit(src, &Packet{
		SrcPort:         pkt.DstPort,
		DstPort:         pkt.SrcPort,
		VerificationTag: c.InitiateTag,
		Chunks:          []Chunk{ack},
	})
	l.logger.WithField("src", src).Debug("应答 INIT")
	return nil
}

func (l *Listener) openCookie(pkt *Packet, c *CookieEcho, src netip.AddrPort) (*cookie.State, error) {
	if l.sealer == nil {
		return nil, ErrCookieInvalid
	}
	st, err := l.sealer.Open(c.Cookie, l.clk.Now())
	if err != nil {
		var stale *cookie.StaleError
		switch {
		case errors.As(err, &stale) && st != nil:
			l.transmit(src, &Packet{
				SrcPort:         pkt.DstPort,
				DstPort:         pkt.SrcPort,
				VerificationTag: st.PeerTag,
				Chunks: []Chunk{&ErrorChunk{Causes: []ErrorCause{{
					Code:      CauseStaleCookie,
					Staleness: stale.Staleness,
				}}}},
			})
			return nil, errors.Wrapf(ErrCookieStale, "过期 %s", stale.Staleness)
		case errors.Is(err, cookie.ErrReplayed):
			return nil, ErrCookieReplayed
		default:
			return nil, errors.Wrap(ErrCookieInvalid, err.Error())
		}
	}
	if pkt.VerificationTag != st.LocalTag {
		return nil, ErrTagMismatch
	}
	return st, nil
}

func (l *Listener) transmit(dest netip.AddrPort, pkt *Packet) {
	if l.net == nil {
		return
	}
	if err := l.net.Transmit(pkt, dest); err != nil {
		l.logger.WithError(err).WithField("dest", dest).Debug("发送失败")
	}
}
