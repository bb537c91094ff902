// =============================================================================
// 文件: internal/sctp/forward_tsn.go
// 描述: PR-SCTP - 放弃策略、对端确认点推进与 FORWARD-TSN 收发
// =============================================================================
package sctp

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

// shouldAbandon 单元是否按其 PR 策略应被放弃
func (a *Association) shouldAbandon(u *dataUnit, now time.Time) bool {
	if !a.peerForwardTSN || u.abandoned || u.acked {
		return false
	}
	switch u.pr {
	case PRTTL:
		return !u.expiry.IsZero() && now.After(u.expiry)
	case PRRtx:
		return u.inRtxQueue && u.retransmissions >= u.maxRtx
	}
	return false
}

// abandonMessage 放弃单元所属的整条消息, 包括尚未分配 TSN 的剩余部分
func (a *Association) abandonMessage(u *dataUnit) {
	msgID, stream, tsn := u.msgID, u.stream, u.tsn
	bytes := 0
	a.ledger.walk(a.ledger.floor, a.nextTSN.Prev(), func(id unitID) bool {
		v := a.ledger.unit(id)
		if v.msgID == msgID && !v.abandoned && !v.acked {
			a.ledger.abandon(id)
			bytes += int(v.booksize)
		}
		return true
	})
	if m := a.out.findMessage(msgID); m != nil {
		bytes += m.remaining()
		a.out.remove(m)
		if !m.opts.Unordered && m.started {
			// 已分配 SSN: 推进到下一条
			s := a.out.streams[m.stream]
			if s.nextSSN == m.ssn {
				s.nextSSN = s.nextSSN.Next()
			}
		}
	}
	a.count(CounterAbandoned, 1)
	a.log().WithFields(log.Fields{"tsn": tsn, "stream": stream}).Debug("放弃消息")
	a.notify(Notification{Kind: NotifyAbandoned, Stream: stream, TSN: tsn, Bytes: bytes})
}

// abandonExpired 检查账本与发送队列中的过期消息
func (a *Association) abandonExpired(now time.Time) {
	if a.peerForwardTSN {
		var victims []unitID
		a.ledger.walk(a.ledger.floor, a.nextTSN.Prev(), func(id unitID) bool {
			if a.shouldAbandon(a.ledger.unit(id), now) {
				victims = append(victims, id)
			}
			return true
		})
		for _, id := range victims {
			u := a.ledger.unit(id)
			if u.live && !u.abandoned {
				a.abandonMessage(u)
			}
		}
		if len(victims) > 0 {
			a.advancePeerAckPoint()
		}
	}
	for _, m := range a.out.expired(now) {
		a.out.remove(m)
		a.count(CounterAbandoned, 1)
		a.notify(Notification{Kind: NotifyAbandoned, Stream: m.stream, Bytes: len(m.data)})
	}
}

// advancePeerAckPoint 越过累计确认点之后连续的已放弃单元
func (a *Association) advancePeerAckPoint() {
	if !a.peerForwardTSN {
		return
	}
	if a.advancedPeerAckPoint.LessEq(a.lastTsnAck) {
		// 此前跳过的部分已被累计确认
		a.advancedPeerAckPoint = a.lastTsnAck
		a.forwardSkips = a.forwardSkips[:0]
	}
	ap := a.advancedPeerAckPoint
	skips := make(map[uint16]seqnum.SSN)
	for _, s := range a.forwardSkips {
		skips[s.Stream] = s.SSN
	}
	for t := ap.Next(); t.Less(a.nextTSN); t = t.Next() {
		id, ok := a.ledger.find(t)
		if !ok {
			break
		}
		u := a.ledger.unit(id)
		if !u.abandoned {
			break
		}
		ap = t
		if !u.unordered {
			if cur, ok := skips[u.stream]; !ok || u.ssn.Greater(cur) {
				skips[u.stream] = u.ssn
			}
		}
	}
	if ap == a.advancedPeerAckPoint {
		return
	}
	a.advancedPeerAckPoint = ap
	a.forwardSkips = a.forwardSkips[:0]
	for s, ssn := range skips {
		a.forwardSkips = append(a.forwardSkips, StreamSkip{Stream: s, SSN: ssn})
	}
	sort.Slice(a.forwardSkips, func(i, j int) bool { return a.forwardSkips[i].Stream < a.forwardSkips[j].Stream })
	a.forwardTSNPending = true
}

// forwardTSNChunk 以当前对端确认点生成 FORWARD-TSN
func (a *Association) forwardTSNChunk() *ForwardTSN {
	return &ForwardTSN{
		NewCumTSN: a.advancedPeerAckPoint,
		Streams:   append([]StreamSkip(nil), a.forwardSkips...),
	}
}

// handleForwardTSN 接收方: 跳过被放弃的 TSN 并交付解除阻塞的有序消息
func (a *Association) handleForwardTSN(f *ForwardTSN) {
	in := a.in
	if in == nil {
		return
	}
	in.sackNow = true
	if f.NewCumTSN.LessEq(in.cum) {
		return
	}
	for t, c := range in.pending {
		if t.LessEq(f.NewCumTSN) {
			in.buffered -= len(c.payload)
			delete(in.pending, t)
		}
	}
	in.cum = f.NewCumTSN
	if in.highest.Less(in.cum) {
		in.highest = in.cum
	}
	in.trimGaps()
	in.advanceCum()

	for _, skip := range f.Streams {
		if int(skip.Stream) >= len(in.streams) {
			continue
		}
		s := in.streams[skip.Stream]
		var ready []seqnum.SSN
		for ssn := range s.ordered {
			if ssn.LessEq(skip.SSN) {
				ready = append(ready, ssn)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].Less(ready[j]) })
		for _, ssn := range ready {
			m := s.ordered[ssn]
			delete(s.ordered, ssn)
			a.deliver(m.Message)
		}
		if s.expected.LessEq(skip.SSN) {
			s.expected = skip.SSN.Next()
		}
		a.flushOrdered(skip.Stream)
	}
	a.log().WithField("new_cum", f.NewCumTSN).Debug("收到 FORWARD-TSN")
	a.performDeferredResets()
}
