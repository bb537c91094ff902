// =============================================================================
// 文件: internal/sctp/receive.go
// 描述: 接收方 - gap 列表、重复检测、延迟确认、缓冲区让位与重组交付
// =============================================================================
package sctp

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/cmtsctp/internal/clock"
	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

const maxDupReports = 64

type inChunk struct {
	tsn       seqnum.TSN
	stream    uint16
	ssn       seqnum.SSN
	ppid      uint32
	unordered bool
	begin     bool
	end       bool
	payload   []byte
}

// sameMessage later 是否紧接 earlier 属于同一条消息
func sameMessage(earlier, later *inChunk) bool {
	return earlier.stream == later.stream &&
		earlier.unordered == later.unordered &&
		(earlier.unordered || earlier.ssn == later.ssn) &&
		!earlier.end && !later.begin
}

// inMessage 已重组但未交付的消息, 记录其 TSN 范围以便撤销
type inMessage struct {
	Message
	first, last seqnum.TSN
}

type inStream struct {
	expected seqnum.SSN
	ordered  map[seqnum.SSN]*inMessage
	ready    []Message
	// 延迟重置完成前到达的重置后消息
	held []*inMessage
}

// inbound 接收方状态
type inbound struct {
	rwnd     uint32
	cum      seqnum.TSN
	highest  seqnum.TSN
	gaps     []GapBlock
	dups     []seqnum.TSN
	pending  map[seqnum.TSN]*inChunk
	buffered int
	streams  []*inStream

	// 可读消息的到达顺序 (流号)
	readyOrder []uint16

	ackState       int
	sackNow        bool
	sackTimer      clock.Token
	sackPath       PathID
	seenData       bool
	dataInPacket   bool
	immediate      bool
	lastAdvertised uint32
}

func newInbound(peerInitialTSN seqnum.TSN, rwnd uint32, streams uint16) *inbound {
	in := &inbound{
		rwnd:           rwnd,
		cum:            peerInitialTSN.Prev(),
		highest:        peerInitialTSN.Prev(),
		pending:        make(map[seqnum.TSN]*inChunk),
		sackPath:       NoPath,
		lastAdvertised: rwnd,
	}
	in.streams = make([]*inStream, streams)
	for i := range in.streams {
		in.streams[i] = &inStream{ordered: make(map[seqnum.SSN]*inMessage)}
	}
	return in
}

func (in *inbound) inGaps(tsn seqnum.TSN) bool {
	for _, g := range in.gaps {
		if tsn.InRange(g.Start, g.End) {
			return true
		}
		if g.Start.Greater(tsn) {
			break
		}
	}
	return false
}

func (in *inbound) isDuplicate(tsn seqnum.TSN) bool {
	return tsn.LessEq(in.cum) || in.inGaps(tsn)
}

// addGap 记录收到的 TSN 并合并相邻区间
func (in *inbound) addGap(tsn seqnum.TSN) {
	i := sort.Search(len(in.gaps), func(i int) bool { return in.gaps[i].End.GreaterEq(tsn) })
	switch {
	case i < len(in.gaps) && tsn.InRange(in.gaps[i].Start, in.gaps[i].End):
		return
	case i < len(in.gaps) && in.gaps[i].Start == tsn.Next():
		in.gaps[i].Start = tsn
	case i > 0 && in.gaps[i-1].End == tsn.Prev():
		in.gaps[i-1].End = tsn
		i--
	default:
		in.gaps = append(in.gaps, GapBlock{})
		copy(in.gaps[i+1:], in.gaps[i:])
		in.gaps[i] = GapBlock{Start: tsn, End: tsn}
	}
	if i > 0 && in.gaps[i-1].End.Next() == in.gaps[i].Start {
		in.gaps[i-1].End = in.gaps[i].End
		in.gaps = append(in.gaps[:i], in.gaps[i+1:]...)
		i--
	}
	if i+1 < len(in.gaps) && in.gaps[i].End.Next() == in.gaps[i+1].Start {
		in.gaps[i].End = in.gaps[i+1].End
		in.gaps = append(in.gaps[:i+1], in.gaps[i+2:]...)
	}
}

// removeFromGaps 撤销一个已报告的 TSN
func (in *inbound) removeFromGaps(tsn seqnum.TSN) {
	for i, g := range in.gaps {
		if !tsn.InRange(g.Start, g.End) {
			continue
		}
		switch {
		case g.Start == g.End:
			in.gaps = append(in.gaps[:i], in.gaps[i+1:]...)
		case tsn == g.Start:
			in.gaps[i].Start = tsn.Next()
		case tsn == g.End:
			in.gaps[i].End = tsn.Prev()
		default:
			in.gaps = append(in.gaps, GapBlock{})
			copy(in.gaps[i+2:], in.gaps[i+1:])
			in.gaps[i] = GapBlock{Start: g.Start, End: tsn.Prev()}
			in.gaps[i+1] = GapBlock{Start: tsn.Next(), End: g.End}
		}
		return
	}
}

// advanceCum 累计确认点吞并相邻的 gap
func (in *inbound) advanceCum() {
	for len(in.gaps) > 0 && in.gaps[0].Start.LessEq(in.cum.Next()) {
		if in.gaps[0].End.Greater(in.cum) {
			in.cum = in.gaps[0].End
		}
		in.gaps = in.gaps[1:]
	}
}

// trimGaps 丢弃不高于累计确认点的区间
func (in *inbound) trimGaps() {
	out := in.gaps[:0]
	for _, g := range in.gaps {
		if g.End.LessEq(in.cum) {
			continue
		}
		if g.Start.LessEq(in.cum) {
			g.Start = in.cum.Next()
		}
		out = append(out, g)
	}
	in.gaps = out
}

// arwnd 通告窗口; 低于 SWS 下限时通告 1
func (in *inbound) arwnd(sws uint32) uint32 {
	if in.buffered >= int(in.rwnd) {
		return 0
	}
	w := in.rwnd - uint32(in.buffered)
	if sws > 0 && w < sws {
		return 1
	}
	return w
}

func (in *inbound) take(stream uint16) (Message, error) {
	if int(stream) >= len(in.streams) {
		return Message{}, errors.Wrapf(ErrInvalidStream, "流 %d", stream)
	}
	s := in.streams[stream]
	if len(s.ready) == 0 {
		return Message{}, ErrReceiveBufferEmpty
	}
	msg := s.ready[0]
	s.ready = s.ready[1:]
	for i, id := range in.readyOrder {
		if id == stream {
			in.readyOrder = append(in.readyOrder[:i], in.readyOrder[i+1:]...)
			break
		}
	}
	in.buffered -= len(msg.Data)
	return msg, nil
}

// ----------------------------------------------------------------------------
// DATA 处理
// ----------------------------------------------------------------------------

func (a *Association) handleData(d *Data, from PathID) {
	in := a.in
	if in == nil {
		return
	}
	switch a.state {
	case StateEstablished, StateShutdownPending, StateShutdownSent:
	default:
		return
	}
	in.dataInPacket = true
	if from != NoPath {
		in.sackPath = from
	}
	if d.Immediate {
		in.immediate = true
	}
	if len(d.Payload) == 0 {
		a.log().WithField("tsn", d.TSN).Warn("收到空 DATA 块")
		a.sendControl(&Abort{Causes: []ErrorCause{{Code: CauseNoUserData}}})
		a.teardown()
		a.notify(Notification{Kind: NotifyConnLost, Err: ErrProtocolViolation})
		return
	}

	if in.isDuplicate(d.TSN) {
		if len(in.dups) < maxDupReports {
			in.dups = append(in.dups, d.TSN)
		}
		a.count(CounterDuplicates, 1)
		return
	}

	if int(d.Stream) >= len(in.streams) {
		// 无效流: 确认 TSN 但丢弃数据
		a.sendControl(&ErrorChunk{Causes: []ErrorCause{{Code: CauseInvalidStream}}})
		a.acceptTSN(d.TSN)
		return
	}

	need := len(d.Payload)
	if in.buffered+need > int(in.rwnd) && !a.mustAccept(d.TSN) {
		if d.TSN.Greater(in.highest) || a.cfg.DisableReneging || !a.makeRoomForTSN(d.TSN, need) {
			a.count(CounterDiscarded, 1)
			return
		}
	}

	in.pending[d.TSN] = &inChunk{
		tsn:       d.TSN,
		stream:    d.Stream,
		ssn:       d.SSN,
		ppid:      d.PPID,
		unordered: d.Unordered,
		begin:     d.Begin,
		end:       d.End,
		payload:   append([]byte(nil), d.Payload...),
	}
	in.buffered += need
	a.count(CounterBytesReceived, uint64(need))
	if len(in.gaps) > 0 {
		// 填补空洞后立即确认
		in.immediate = true
	}
	a.acceptTSN(d.TSN)
	a.reassemble(d.TSN)
	a.performDeferredResets()
}

func (a *Association) acceptTSN(tsn seqnum.TSN) {
	in := a.in
	in.addGap(tsn)
	in.advanceCum()
	if tsn.Greater(in.highest) {
		in.highest = tsn
	}
	if in.highest.Less(in.cum) {
		in.highest = in.cum
	}
}

// mustAccept 应用已读空时缓冲区仍满, 累计确认的下一个 TSN 超额接收, 否则偶联无法前进
func (a *Association) mustAccept(tsn seqnum.TSN) bool {
	in := a.in
	if tsn != in.cum.Next() {
		return false
	}
	for _, s := range in.streams {
		if len(s.ready) > 0 {
			return false
		}
	}
	return true
}

// renegeVictim 可撤销的已报告数据: 分片或已重组未交付的消息
type renegeVictim struct {
	first, last seqnum.TSN
	size        int
	drop        func()
}

// makeRoomForTSN 丢弃高于 tsn 的未交付数据为其腾出空间, 最高 TSN 先丢
func (a *Association) makeRoomForTSN(tsn seqnum.TSN, need int) bool {
	in := a.in
	var victims []renegeVictim
	freed := 0
	add := func(v renegeVictim) {
		if v.first.Greater(tsn) && v.first.Greater(in.cum) {
			victims = append(victims, v)
			freed += v.size
		}
	}
	for t, c := range in.pending {
		t := t
		add(renegeVictim{first: t, last: t, size: len(c.payload), drop: func() { delete(in.pending, t) }})
	}
	for _, s := range in.streams {
		s := s
		for ssn, m := range s.ordered {
			ssn := ssn
			add(renegeVictim{first: m.first, last: m.last, size: len(m.Data), drop: func() { delete(s.ordered, ssn) }})
		}
		for _, m := range s.held {
			m := m
			add(renegeVictim{first: m.first, last: m.last, size: len(m.Data), drop: func() { s.dropHeld(m) }})
		}
	}
	if in.buffered-freed+need > int(in.rwnd) {
		return false
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].first.Greater(victims[j].first) })
	for _, v := range victims {
		if in.buffered+need <= int(in.rwnd) {
			break
		}
		in.buffered -= v.size
		v.drop()
		for t := v.first; ; t = t.Next() {
			in.removeFromGaps(t)
			a.count(CounterReneged, 1)
			if t == v.last {
				break
			}
		}
		a.log().WithFields(log.Fields{"first": v.first, "last": v.last}).Debug("接收缓冲区满, 撤销已报告数据")
	}
	in.highest = in.cum
	for t := range in.pending {
		if t.Greater(in.highest) {
			in.highest = t
		}
	}
	for _, g := range in.gaps {
		if g.End.Greater(in.highest) {
			in.highest = g.End
		}
	}
	return true
}

func (s *inStream) dropHeld(m *inMessage) {
	for i, h := range s.held {
		if h == m {
			s.held = append(s.held[:i], s.held[i+1:]...)
			return
		}
	}
}

// reassemble 尝试以 tsn 所在分片组装完整消息
func (a *Association) reassemble(tsn seqnum.TSN) {
	in := a.in
	c := in.pending[tsn]
	first, cur := tsn, c
	for !cur.begin {
		prev, ok := in.pending[first.Prev()]
		if !ok || !sameMessage(prev, cur) {
			return
		}
		first, cur = first.Prev(), prev
	}
	last, cur := tsn, c
	for !cur.end {
		next, ok := in.pending[last.Next()]
		if !ok || !sameMessage(cur, next) {
			return
		}
		last, cur = last.Next(), next
	}

	head := in.pending[first]
	msg := &inMessage{
		Message: Message{Stream: head.stream, SSN: head.ssn, PPID: head.ppid, Unordered: head.unordered},
		first:   first,
		last:    last,
	}
	for t := first; ; t = t.Next() {
		msg.Data = append(msg.Data, in.pending[t].payload...)
		delete(in.pending, t)
		if t == last {
			break
		}
	}
	a.enqueueMessage(msg)
}

func (a *Association) enqueueMessage(msg *inMessage) {
	s := a.in.streams[msg.Stream]
	if msg.Unordered {
		a.deliver(msg.Message)
		return
	}
	if a.deferredCovers(msg.Stream, msg.last) {
		s.held = append(s.held, msg)
		return
	}
	if msg.SSN.Less(s.expected) {
		a.in.buffered -= len(msg.Data)
		return
	}
	s.ordered[msg.SSN] = msg
	a.flushOrdered(msg.Stream)
}

func (a *Association) flushOrdered(stream uint16) {
	s := a.in.streams[stream]
	for {
		m, ok := s.ordered[s.expected]
		if !ok {
			return
		}
		delete(s.ordered, s.expected)
		s.expected = s.expected.Next()
		a.deliver(m.Message)
	}
}

func (a *Association) deliver(msg Message) {
	s := a.in.streams[msg.Stream]
	s.ready = append(s.ready, msg)
	a.in.readyOrder = append(a.in.readyOrder, msg.Stream)
	a.count(CounterMessagesDelivered, 1)
	a.notify(Notification{Kind: NotifyDataArrived, Stream: msg.Stream, Bytes: len(msg.Data)})
}

// ----------------------------------------------------------------------------
// SACK 生成
// ----------------------------------------------------------------------------

// scheduleSack 延迟确认: 首包、每 SackFrequency 个包、gap、重复或 I 位立即确认
func (a *Association) scheduleSack() {
	in := a.in
	if !in.seenData {
		in.seenData = true
		in.sackNow = true
	}
	in.ackState++
	if in.ackState >= a.cfg.SackFrequency || len(in.gaps) > 0 || len(in.dups) > 0 || in.immediate {
		in.sackNow = true
	}
	in.immediate = false
	if in.sackNow {
		a.stopTimer(&in.sackTimer)
		return
	}
	if !a.timerRunning(in.sackTimer) {
		a.startTimer(&in.sackTimer, a.cfg.SackDelay, a.sackTimerExpired)
	}
}

func (a *Association) sackTimerExpired() {
	if a.in == nil {
		return
	}
	a.in.sackNow = true
	a.sendOnAllPaths(a.paths.primary)
}

// createSack 生成 SACK, gap 与重复 TSN 受 space 限制
func (a *Association) createSack(space int) *Sack {
	in := a.in
	a.sackSeq++
	if a.sackSeq == 0 {
		a.sackSeq = 1
	}
	s := &Sack{
		CumTSN: in.cum,
		ARwnd:  in.arwnd(a.cfg.SWSLimit),
		Seq:    a.sackSeq,
	}
	room := space - SackChunkHeaderLen - 4
	for _, g := range in.gaps {
		if room < 4 || len(s.Gaps) >= maxGapBlocks {
			break
		}
		s.Gaps = append(s.Gaps, g)
		room -= 4
	}
	for _, d := range in.dups {
		if room < 4 {
			break
		}
		s.Dups = append(s.Dups, d)
		room -= 4
	}
	in.lastAdvertised = s.ARwnd
	return s
}

func (a *Association) sackSent() {
	in := a.in
	in.sackNow = false
	in.ackState = 0
	in.dups = nil
	a.stopTimer(&in.sackTimer)
	a.count(CounterSacksSent, 1)
}

// afterRead 应用读走数据后窗口显著打开时发送窗口更新
func (a *Association) afterRead() {
	in := a.in
	if a.state == StateClosed {
		return
	}
	now := in.arwnd(a.cfg.SWSLimit)
	mtu := a.paths.minMTU()
	if in.lastAdvertised < in.rwnd/2 && now >= in.lastAdvertised+mtu {
		in.sackNow = true
		a.sendOnAllPaths(a.paths.primary)
	}
}
