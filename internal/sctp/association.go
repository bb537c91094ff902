// =============================================================================
// 文件: internal/sctp/association.go
// 描述: 偶联 - 状态机、入站分发与应用接口
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
	"github.com/mrcgq/cmtsctp/internal/congestion"
	"github.com/mrcgq/cmtsctp/internal/cookie"
	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

// Options 偶联的协作者
type Options struct {
	Clock   clock.Scheduler
	Network Network
	Handler Handler
	Stats   StatsSink
	Sealer  *cookie.Sealer
	Rand    io.Reader
	ID      uint32
	// InitialTSN 非零时作为本端初始 TSN
	InitialTSN uint32
	Logger     *log.Entry
}

// Message 一条已重组的应用消息
type Message struct {
	Stream    uint16
	SSN       seqnum.SSN
	PPID      uint32
	Unordered bool
	Data      []byte
}

// Association 一个 SCTP 偶联
//
// 非并发安全: 入站包、定时器回调与应用调用必须在同一执行流中串行执行。
type Association struct {
	cfg     Config
	clk     clock.Scheduler
	net     Network
	handler Handler
	stats   StatsSink
	sealer  *cookie.Sealer
	rand    io.Reader
	id      uint32
	logger  *log.Entry

	state      State
	localTag   uint32
	peerTag    uint32
	localAddrs []netip.AddrPort
	paths      *pathManager
	outStreams uint16
	inStreams  uint16

	// 发送方
	initialTSN        seqnum.TSN
	nextTSN           seqnum.TSN
	ledger            *ledger
	out               *outbound
	peerRwnd          uint32
	initialPeerRwnd   uint32
	lastARwnd         uint32
	peerWindowFull    bool
	zeroWindowProbing bool
	lastTsnAck        seqnum.TSN
	highestGapAcked   seqnum.TSN
	hasGapAcked       bool
	lastSackSeq       uint32
	sackSeqSeen       bool
	firstDataSent     bool
	assocErrors       int
	nextMsgID         uint64
	prInUse           bool

	// PR-SCTP
	peerForwardTSN       bool
	peerReConfig         bool
	advancedPeerAckPoint seqnum.TSN
	forwardSkips         []StreamSkip
	forwardTSNPending    bool

	// 接收方
	in      *inbound
	sackSeq uint32

	// 握手
	t1          clock.Token
	t1Timeout   time.Duration
	initRetries int
	initChunk   *Init
	cookieEcho  *CookieEcho
	// cookie 过期后重新发起 INIT 的次数, 不随 INIT-ACK 清零
	staleCookies int

	// 关闭
	t2             clock.Token
	t2Timeout      time.Duration
	t5             clock.Token
	shutdownErrors int
	closeRequested bool

	reset *resetState

	counters [numCounters]uint64
}

// New 创建处于 CLOSED 状态的偶联
func New(cfg Config, opts Options) *Association {
	cfg.normalize()
	a := &Association{
		cfg:     cfg,
		clk:     opts.Clock,
		net:     opts.Network,
		handler: opts.Handler,
		stats:   opts.Stats,
		sealer:  opts.Sealer,
		rand:    opts.Rand,
		id:      opts.ID,
		logger:  opts.Logger,
		paths:   newPathManager(),
	}
	if a.handler == nil {
		a.handler = nopHandler{}
	}
	if a.stats == nil {
		a.stats = NopSink{}
	}
	if a.rand == nil {
		a.rand = rand.Reader
	}
	if a.logger == nil {
		a.logger = log.NewEntry(log.StandardLogger())
	}
	a.localTag = a.randomTag()
	a.initialTSN = seqnum.TSN(opts.InitialTSN)
	if a.initialTSN == 0 {
		a.initialTSN = seqnum.TSN(a.randomTag())
	}
	a.nextTSN = a.initialTSN
	a.lastTsnAck = a.initialTSN.Prev()
	a.advancedPeerAckPoint = a.lastTsnAck
	a.ledger = newLedger(a.initialTSN)
	a.outStreams = cfg.OutboundStreams
	a.inStreams = cfg.InboundStreams
	a.out = newOutbound(cfg.Scheduler, cfg.OutboundStreams, cfg.SendQueueLimit)
	a.reset = newResetState(uint32(a.initialTSN))
	return a
}

func (a *Association) log() *log.Entry {
	return a.logger.WithFields(log.Fields{
		"assoc":     a.id,
		"local_tag": a.localTag,
		"state":     a.state.String(),
	})
}

func (a *Association) randomUint32() uint32 {
	var b [4]byte
	if _, err := io.ReadFull(a.rand, b[:]); err != nil {
		return uint32(a.clk.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func (a *Association) randomUint64() uint64 {
	return uint64(a.randomUint32())<<32 | uint64(a.randomUint32())
}

// randomTag 非零的验证标签
func (a *Association) randomTag() uint32 {
	for {
		if v := a.randomUint32(); v != 0 {
			return v
		}
	}
}

// ----------------------------------------------------------------------------
// 访问器
// ----------------------------------------------------------------------------

// ID 偶联编号
func (a *Association) ID() uint32 { return a.id }

// State 当前状态
func (a *Association) State() State { return a.state }

// LocalTag 本端验证标签
func (a *Association) LocalTag() uint32 { return a.localTag }

// PeerTag 对端验证标签
func (a *Association) PeerTag() uint32 { return a.peerTag }

// Counter 读取计数器
func (a *Association) Counter(c Counter) uint64 {
	if c >= numCounters {
		return 0
	}
	return a.counters[c]
}

// Paths 全部路径的快照
func (a *Association) Paths() []PathSnapshot {
	out := make([]PathSnapshot, 0, a.paths.count())
	for _, p := range a.paths.paths {
		out = append(out, a.paths.snapshot(p, a.ledger.outstandingOn(p.id), a.ledger.queuedOn(p.id)))
	}
	return out
}

// Outstanding 偶联在途字节
func (a *Association) Outstanding() uint32 { return a.ledger.outstanding }

// PeerRwnd 对端接收窗口的本地估计
func (a *Association) PeerRwnd() uint32 { return a.peerRwnd }

// CumulativeAck 对端确认的累计 TSN
func (a *Association) CumulativeAck() seqnum.TSN { return a.lastTsnAck }

// NextTSN 下一个待分配的 TSN
func (a *Association) NextTSN() seqnum.TSN { return a.nextTSN }

// QueuedBytes 尚未分配 TSN 的发送队列字节
func (a *Association) QueuedBytes() int { return a.out.queued }

// ----------------------------------------------------------------------------
// 通知、统计与定时器
// ----------------------------------------------------------------------------

func (a *Association) notify(n Notification) {
	n.Assoc = a.id
	a.handler.HandleNotification(n)
}

func (a *Association) count(c Counter, delta uint64) {
	if delta == 0 {
		return
	}
	a.counters[c] += delta
	a.stats.Add(a.id, c, delta)
}

func (a *Association) setState(s State) {
	if a.state == s {
		return
	}
	a.log().WithField("next", s.String()).Debug("状态变更")
	a.state = s
	a.stats.StateChanged(a.id, s)
}

func (a *Association) publishPaths() {
	for _, p := range a.paths.paths {
		a.stats.PathUpdated(a.id, a.paths.snapshot(p, a.ledger.outstandingOn(p.id), a.ledger.queuedOn(p.id)))
	}
}

// startTimer 先取消旧定时器再启动; 触发时令牌清零
func (a *Association) startTimer(tok *clock.Token, d time.Duration, fn func()) {
	a.stopTimer(tok)
	var self clock.Token
	self = a.clk.Schedule(d, func() {
		if *tok != self {
			return
		}
		*tok = 0
		if a.state == StateClosed {
			return
		}
		fn()
	})
	*tok = self
}

func (a *Association) stopTimer(tok *clock.Token) {
	if *tok != 0 {
		a.clk.Cancel(*tok)
		*tok = 0
	}
}

func (a *Association) timerRunning(tok clock.Token) bool {
	return tok != 0 && a.clk.Pending(tok)
}

// ----------------------------------------------------------------------------
// 发送
// ----------------------------------------------------------------------------

func (a *Association) packet(chunks []Chunk) *Packet {
	return &Packet{
		SrcPort:         a.cfg.LocalPort,
		DstPort:         a.cfg.PeerPort,
		VerificationTag: a.peerTag,
		Chunks:          chunks,
	}
}

func (a *Association) transmitTo(addr netip.AddrPort, pkt *Packet) {
	if a.net == nil {
		return
	}
	if err := a.net.Transmit(pkt, addr); err != nil {
		a.log().WithError(err).WithField("dest", addr).Debug("发送失败")
	}
	a.count(CounterPacketsSent, 1)
}

func (a *Association) transmit(p *path, chunks []Chunk) {
	a.transmitTo(p.addr, a.packet(chunks))
}

// sendControl 控制块立即单独成包发往主路径
func (a *Association) sendControl(chunks ...Chunk) {
	p := a.paths.primaryPath()
	if p == nil {
		return
	}
	a.transmit(p, chunks)
}

// ----------------------------------------------------------------------------
// 入站分发
// ----------------------------------------------------------------------------

// checkTag 验证标签校验
func (a *Association) checkTag(pkt *Packet) error {
	if len(pkt.Chunks) == 0 {
		return ErrMalformed
	}
	switch c := pkt.Chunks[0].(type) {
	case *Init:
		if len(pkt.Chunks) != 1 || pkt.VerificationTag != 0 {
			return ErrProtocolViolation
		}
		return nil
	case *Abort:
		if c.TBit {
			if pkt.VerificationTag == a.peerTag {
				return nil
			}
			return ErrTagMismatch
		}
	case *ShutdownComplete:
		if c.TBit {
			if pkt.VerificationTag == a.peerTag {
				return nil
			}
			return ErrTagMismatch
		}
	}
	if pkt.VerificationTag != a.localTag {
		return ErrTagMismatch
	}
	return nil
}

// HandlePacket 处理一个入站包; 被丢弃时返回原因
func (a *Association) HandlePacket(pkt *Packet, src netip.AddrPort) error {
	if a.state == StateClosed {
		return ErrAssociationClosed
	}
	if err := a.checkTag(pkt); err != nil {
		a.count(CounterDiscarded, 1)
		a.log().WithError(err).WithField("src", src).Debug("丢弃入站包")
		return err
	}
	a.count(CounterPacketsReceived, 1)
	from, ok := a.paths.lookup(src)
	if !ok {
		from = NoPath
	}

	err := a.dispatch(pkt.Chunks, src, from)
	if a.state == StateClosed {
		return err
	}
	a.afterPacket()
	a.sendOnAllPaths(a.paths.primary)
	return err
}

// dispatch 依次处理包内的块
func (a *Association) dispatch(chunks []Chunk, src netip.AddrPort, from PathID) error {
	var err error
	for _, c := range chunks {
		if a.state == StateClosed {
			break
		}
		switch ch := c.(type) {
		case *Init:
			a.handleInit(ch, src)
		case *InitAck:
			if e := a.handleInitAck(ch, src); e != nil {
				err = e
			}
		case *CookieEcho:
			a.handleCookieEcho(ch, src)
		case *CookieAck:
			a.handleCookieAck()
		case *Data:
			a.handleData(ch, from)
		case *Sack:
			if e := a.handleSack(ch, from); e != nil {
				err = e
			}
		case *Heartbeat:
			a.handleHeartbeat(ch, src)
		case *HeartbeatAck:
			a.handleHeartbeatAck(ch, from)
		case *Abort:
			a.handleAbort(ch)
		case *ErrorChunk:
			a.handleError(ch)
		case *Shutdown:
			a.handleShutdown(ch, from)
		case *ShutdownAck:
			a.handleShutdownAck()
		case *ShutdownComplete:
			a.handleShutdownComplete()
		case *ForwardTSN:
			a.handleForwardTSN(ch)
		case *ReConfig:
			a.handleReConfig(ch)
		default:
			a.log().WithField("chunk", c.Type().String()).Debug("忽略未知块")
		}
	}
	return err
}

// afterPacket 每个入站包结束后的延迟确认判断
func (a *Association) afterPacket() {
	if a.in == nil || !a.in.dataInPacket {
		return
	}
	a.in.dataInPacket = false
	if a.state == StateShutdownSent {
		// 关闭中收到数据: 以 SHUTDOWN 携带累计确认
		a.sendShutdown()
		return
	}
	a.scheduleSack()
}

// ----------------------------------------------------------------------------
// 应用接口
// ----------------------------------------------------------------------------

// Send 把消息放入流的发送队列
func (a *Association) Send(stream uint16, data []byte, o SendOptions) error {
	switch a.state {
	case StateClosed:
		return ErrAssociationClosed
	case StateCookieWait, StateCookieEchoed, StateEstablished:
	default:
		return errors.Wrapf(ErrInvalidState, "状态 %s 不接受新数据", a.state)
	}
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if len(data) > a.cfg.MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "%d > %d", len(data), a.cfg.MaxMessageSize)
	}
	if stream >= a.outStreams {
		return errors.Wrapf(ErrInvalidStream, "流 %d", stream)
	}
	if !a.makeQueueRoom(len(data), o) {
		if !a.out.full {
			a.out.full = true
			a.notify(Notification{Kind: NotifySendQueueFull, Stream: stream, Bytes: a.out.queued})
		}
		return ErrSendBufferFull
	}

	now := a.clk.Now()
	m := &outMessage{
		id:     a.nextMsgID,
		stream: stream,
		data:   append([]byte(nil), data...),
		opts:   o,
	}
	a.nextMsgID++
	if o.PR == PRTTL && o.Lifetime > 0 {
		m.expiry = now.Add(o.Lifetime)
	}
	if o.PR != PRNone {
		a.prInUse = true
	}
	a.out.push(m)
	a.count(CounterMessagesSent, 1)

	if a.state == StateEstablished {
		a.sendOnAllPaths(a.paths.primary)
	}
	return nil
}

// makeQueueRoom 发送队列上限检查; PR_PRIO 消息可挤掉优先级更低的排队消息
func (a *Association) makeQueueRoom(n int, o SendOptions) bool {
	if a.out.limit <= 0 || a.out.queued+n <= a.out.limit {
		return true
	}
	if o.PR != PRPrio {
		return false
	}
	for a.out.queued+n > a.out.limit {
		victim := a.out.lowestPriority(o.Priority)
		if victim == nil {
			return false
		}
		a.out.remove(victim)
		a.count(CounterAbandoned, 1)
		a.notify(Notification{Kind: NotifyAbandoned, Stream: victim.stream, Bytes: len(victim.data)})
	}
	return true
}

// Receive 取出流上的下一条消息; 没有时返回 ErrReceiveBufferEmpty
func (a *Association) Receive(stream uint16) (Message, error) {
	if a.in == nil {
		return Message{}, ErrReceiveBufferEmpty
	}
	msg, err := a.in.take(stream)
	if err != nil {
		return Message{}, err
	}
	a.afterRead()
	return msg, nil
}

// ReceiveAny 按到达顺序取出任意流上的下一条消息
func (a *Association) ReceiveAny() (Message, error) {
	if a.in == nil || len(a.in.readyOrder) == 0 {
		return Message{}, ErrReceiveBufferEmpty
	}
	return a.Receive(a.in.readyOrder[0])
}

// SetPrimaryPath 指定主路径; 未确认的路径在心跳确认后生效
func (a *Association) SetPrimaryPath(addr netip.AddrPort) error {
	id, ok := a.paths.lookup(addr)
	if !ok {
		return errors.Wrapf(ErrUnknownPath, "%s", addr)
	}
	p := a.paths.get(id)
	if !p.confirmed && a.state == StateEstablished {
		a.paths.setPrimary(a.paths.primary)
		p.primaryCandidate = true
		a.sendHeartbeat(p, true)
		return nil
	}
	a.paths.setPrimary(id)
	a.paths.initialPrimary = id
	a.log().WithField("path", addr).Info("主路径已切换")
	return nil
}

// SetStreamPriority PRIORITY 调度器使用的流优先级, 数值越大越优先
func (a *Association) SetStreamPriority(stream uint16, priority int) error {
	if int(stream) >= len(a.out.streams) {
		return errors.Wrapf(ErrInvalidStream, "流 %d", stream)
	}
	a.out.streams[stream].priority = priority
	return nil
}

// Abort 立即中止偶联
func (a *Association) Abort() error {
	if a.state == StateClosed {
		return ErrAssociationClosed
	}
	a.sendControl(&Abort{Causes: []ErrorCause{{Code: CauseUserAbort}}})
	a.teardown()
	a.notify(Notification{Kind: NotifyClosed, Err: ErrAssociationClosed})
	return nil
}

// ----------------------------------------------------------------------------
// 致命错误与拆除
// ----------------------------------------------------------------------------

// connectionLost 发送 ABORT, 通知 CONN_LOST 并拆除
func (a *Association) connectionLost(reason error) {
	if a.state == StateClosed {
		return
	}
	a.log().WithError(reason).Warn("偶联丢失")
	if a.peerTag != 0 {
		a.sendControl(&Abort{})
	}
	a.teardown()
	a.notify(Notification{Kind: NotifyConnLost, Err: reason})
}

func (a *Association) handleAbort(c *Abort) {
	a.log().WithField("causes", len(c.Causes)).Info("对端中止偶联")
	a.teardown()
	a.notify(Notification{Kind: NotifyAborted, Err: ErrPeerAborted})
}

func (a *Association) handleError(c *ErrorChunk) {
	for _, cause := range c.Causes {
		switch cause.Code {
		case CauseStaleCookie:
			a.handleStaleCookie(cause.Staleness)
		default:
			a.log().WithField("cause", cause.Code.String()).Debug("收到 ERROR")
		}
	}
}

// teardown 取消全部定时器并进入 CLOSED
func (a *Association) teardown() {
	a.stopTimer(&a.t1)
	a.stopTimer(&a.t2)
	a.stopTimer(&a.t5)
	a.stopTimer(&a.reset.timer)
	if a.in != nil {
		a.stopTimer(&a.in.sackTimer)
	}
	for _, p := range a.paths.paths {
		a.stopTimer(&p.t3)
		a.stopTimer(&p.hbTimer)
		a.stopTimer(&p.hbTimeout)
	}
	a.initChunk = nil
	a.cookieEcho = nil
	a.setState(StateClosed)
}

// checkInvariants 在途字节守恒与累计确认边界
func (a *Association) checkInvariants() error {
	if err := a.ledger.checkConservation(); err != nil {
		return err
	}
	if a.lastTsnAck.GreaterEq(a.nextTSN) {
		return errors.Errorf("累计确认 %d 超过最高已分配 TSN %d", a.lastTsnAck, a.nextTSN.Prev())
	}
	return nil
}

// congestionParams 偶联级的窗口参数
func (a *Association) congestionParams() congestion.Params {
	return congestion.Params{
		InitialWindow: a.cfg.InitialWindow,
		Variant:       a.cfg.Variant,
		Strict:        a.cfg.StrictBooking,
	}
}
