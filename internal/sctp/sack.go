// =============================================================================
// 文件: internal/sctp/sack.go
// 描述: SACK 处理 - 累计确认、撤销检测、gap 处理、快速重传与窗口更新
// =============================================================================
package sctp

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

// handleSack 处理对端的 SACK / NR-SACK
func (a *Association) handleSack(s *Sack, from PathID) error {
	switch a.state {
	case StateEstablished, StateShutdownPending, StateShutdownReceived:
	default:
		return nil
	}
	a.count(CounterSacksReceived, 1)
	return a.processSack(s, from, true)
}

// isStaleSack 过时或重放的 SACK 不产生任何副作用
func (a *Association) isStaleSack(s *Sack) bool {
	if a.cfg.CheckSackSeq && s.Seq != 0 {
		if a.sackSeqSeen && int32(s.Seq-a.lastSackSeq) <= 0 {
			return true
		}
		return s.CumTSN.Less(a.lastTsnAck)
	}
	return s.CumTSN.Less(a.lastTsnAck)
}

// processSack allowRenege 为 false 时 (来自 SHUTDOWN) 不做撤销检测
func (a *Association) processSack(s *Sack, from PathID, allowRenege bool) error {
	if a.isStaleSack(s) {
		a.count(CounterStaleSacks, 1)
		return nil
	}
	if s.CumTSN.GreaterEq(a.nextTSN) {
		a.count(CounterDiscarded, 1)
		return errors.Wrapf(ErrProtocolViolation, "SACK 确认了未发送的 TSN %d", s.CumTSN)
	}
	if a.cfg.CheckSackSeq && s.Seq != 0 {
		a.lastSackSeq = s.Seq
		a.sackSeqSeen = true
	}

	now := a.clk.Now()
	led := a.ledger
	var src *path
	if from != NoPath {
		src = a.paths.get(from)
	}

	for _, p := range a.paths.paths {
		p.resetScratch(led.outstandingOn(p.id))
	}
	if a.cfg.CMT {
		led.walk(led.floor, a.nextTSN.Prev(), func(id unitID) bool {
			u := led.unit(id)
			if u.outstanding {
				if p := a.paths.get(u.lastPath); p != nil && !p.hasLowestBefore {
					p.lowestBefore = u.tsn
					p.hasLowestBefore = true
				}
			}
			return true
		})
	}
	if s.ARwnd > 0 {
		a.zeroWindowProbing = false
	}
	a.lastARwnd = s.ARwnd

	sample := func(u *dataUnit) {
		if src == nil || u.transmissions != 1 || u.lastPath != src.id {
			return
		}
		if !src.hasRTTSample || u.sendTime.After(now.Add(-src.rttSample)) {
			src.rttSample = now.Sub(u.sendTime)
			src.hasRTTSample = true
		}
	}

	// 累计确认
	if s.CumTSN.Greater(a.lastTsnAck) {
		led.acknowledgeThrough(s.CumTSN, func(u *dataUnit) {
			p := a.paths.get(u.lastPath)
			if p == nil {
				return
			}
			if !u.acked && !u.abandoned {
				p.newlyAcked += u.booksize
				sample(u)
			}
			p.newCumAck = true
		})
		a.lastTsnAck = s.CumTSN
		if a.advancedPeerAckPoint.Less(a.lastTsnAck) {
			a.advancedPeerAckPoint = a.lastTsnAck
		}
	}

	highest, hasGaps := s.HighestReported()

	// 撤销检测: 类型 0 (无 gap) 与类型 2 (gap 止于更低处)
	if allowRenege && a.hasGapAcked && a.highestGapAcked.Greater(s.CumTSN) {
		start := s.CumTSN.Next()
		if hasGaps {
			start = highest.Next()
		}
		if !hasGaps || highest.Less(a.highestGapAcked) {
			led.walk(start, a.highestGapAcked, func(id unitID) bool {
				if led.unit(id).acked {
					a.tsnWasReneged(id)
				}
				return true
			})
		}
	}

	// gap 处理
	var highestNewlyAcked seqnum.TSN
	anyNewlyAcked := false
	ackRange := func(blocks []GapBlock, nonRevokable bool) {
		for _, g := range blocks {
			start, end := g.Start, g.End
			if end.Less(start) {
				continue
			}
			if start.LessEq(s.CumTSN) {
				start = s.CumTSN.Next()
			}
			led.walk(start, end, func(id unitID) bool {
				u := led.unit(id)
				p := a.paths.get(u.lastPath)
				if !u.acked && !u.abandoned && p != nil {
					p.newlyAcked += u.booksize
					if !p.hasNewlyAck || u.tsn.Greater(p.highestNewlyAck) {
						p.highestNewlyAck = u.tsn
						p.hasNewlyAck = true
					}
					if !anyNewlyAcked || u.tsn.Greater(highestNewlyAcked) {
						highestNewlyAcked = u.tsn
						anyNewlyAcked = true
					}
					sample(u)
				}
				u.reneged = false
				led.ack(id)
				if nonRevokable {
					led.remove(id)
				}
				return true
			})
		}
	}
	ackRange(s.Gaps, false)
	ackRange(s.NRGaps, true)

	// 空洞: 撤销类型 1 与缺失计数
	if hasGaps {
		covered := mergeBlocks(s.Gaps, s.NRGaps)
		idx := 0
		led.walk(s.CumTSN.Next(), highest, func(id unitID) bool {
			u := led.unit(id)
			for idx < len(covered) && covered[idx].End.Less(u.tsn) {
				idx++
			}
			if idx < len(covered) && u.tsn.InRange(covered[idx].Start, covered[idx].End) {
				return true
			}
			if u.acked {
				if !allowRenege {
					return true
				}
				a.tsnWasReneged(id)
			}
			if u.abandoned || !a.countsAsMissing(u, highestNewlyAcked, anyNewlyAcked) {
				return true
			}
			u.gapReports++
			if u.gapReports >= a.cfg.FastRtxThreshold && !u.fastRetransmitted &&
				u.retransmissions == 0 && !u.inRtxQueue {
				a.fastRetransmit(id)
			}
			return true
		})
	}
	if hasGaps && len(s.Gaps) > 0 {
		a.highestGapAcked = s.Gaps[len(s.Gaps)-1].End
		a.hasGapAcked = a.highestGapAcked.Greater(s.CumTSN)
	} else {
		a.hasGapAcked = false
	}

	if a.cfg.CMT {
		for _, p := range a.paths.paths {
			if !p.hasLowestBefore {
				continue
			}
			if id, ok := led.find(p.lowestBefore); !ok || led.unit(id).acked {
				p.pseudoCumAck = true
			}
		}
	}

	a.afterSack(s, now)
	return nil
}

// countsAsMissing 该空洞中的单元本次是否计一次缺失
func (a *Association) countsAsMissing(u *dataUnit, highestNewlyAcked seqnum.TSN, anyNewlyAcked bool) bool {
	switch {
	case a.cfg.CMT:
		// 分拆快速重传: 同一路径上有更高 TSN 被新确认
		p := a.paths.get(u.lastPath)
		return p != nil && p.hasNewlyAck && u.tsn.Less(p.highestNewlyAck)
	case a.cfg.HTNA:
		return anyNewlyAcked && u.tsn.Less(highestNewlyAcked)
	default:
		return true
	}
}

// fastRetransmit 留在原路径上重传
func (a *Association) fastRetransmit(id unitID) {
	u := a.ledger.unit(id)
	next := u.lastPath
	if p := a.paths.get(next); p == nil || !p.active {
		next = a.chooseRetransmissionPath(u)
	}
	u.fastRetransmitted = true
	a.ledger.clearOutstanding(id)
	a.ledger.queueRetransmission(id, next)
	if p := a.paths.get(u.lastPath); p != nil {
		p.requiresRtx = true
	}
	a.count(CounterFastRetransmits, 1)
	a.log().WithField("tsn", u.tsn).Debug("快速重传")
}

// tsnWasReneged 撤销 gap 确认, 路径没有运行 T3 时启动
func (a *Association) tsnWasReneged(id unitID) {
	u := a.ledger.unit(id)
	a.ledger.reneg(id)
	a.count(CounterReneged, 1)
	a.log().WithField("tsn", u.tsn).Debug("对端撤销确认")
	if p := a.paths.get(u.lastPath); p != nil && p.active && !a.timerRunning(p.t3) {
		a.startT3(p)
	}
}

// afterSack 窗口、拥塞控制、定时器与路径状态的更新
func (a *Association) afterSack(s *Sack, now time.Time) {
	led := a.ledger
	for _, p := range a.paths.paths {
		if p.cw != nil {
			p.cw.UpdateFastRecovery(s.CumTSN)
		}
		if p.hasRTTSample {
			p.rto.Update(p.rttSample, now)
		}
	}

	rwnd := int64(s.ARwnd) - int64(led.outstanding)
	if rwnd < 0 {
		rwnd = 0
	}
	if a.initialPeerRwnd > 0 && rwnd > int64(a.initialPeerRwnd) {
		rwnd = int64(a.initialPeerRwnd)
	}
	a.peerRwnd = uint32(rwnd)
	a.peerWindowFull = s.ARwnd <= 1 || (a.cfg.SWSLimit > 0 && s.ARwnd < a.cfg.SWSLimit)

	if a.prInUse {
		a.abandonExpired(now)
	}
	a.advancePeerAckPoint()

	g := a.paths.group()
	var acked uint64
	for _, p := range a.paths.paths {
		if p.cw == nil || p.newlyAcked == 0 {
			continue
		}
		acked += uint64(p.newlyAcked)
		advanced := p.newCumAck || (a.cfg.CMT && p.pseudoCumAck)
		p.cw.OnBytesAcked(g, int(p.id), p.rto.SRTT(), p.newlyAcked, p.osbBefore, led.outstandingOn(p.id), advanced)
	}
	a.count(CounterBytesAcked, acked)

	for _, p := range a.paths.paths {
		if p.cw == nil || !p.requiresRtx {
			continue
		}
		exit, ok := led.highestOutstandingOn(p.id)
		if !ok {
			exit = a.nextTSN.Prev()
		}
		p.cw.OnLoss(g, p.rto.SRTT(), exit, a.cfg.FastRecovery)
	}

	for _, p := range a.paths.paths {
		switch {
		case led.outstandingOn(p.id) == 0:
			a.stopTimer(&p.t3)
		case p.newCumAck || (a.cfg.CMT && p.pseudoCumAck):
			a.startT3(p)
		case !a.timerRunning(p.t3):
			a.startT3(p)
		}
		if p.newlyAcked > 0 {
			p.errorCount = 0
			a.assocErrors = 0
			a.reactivatePath(p)
		}
	}
	a.publishPaths()
	a.processPendingReset()
}

// mergeBlocks 合并两组区间并按起点排序
func mergeBlocks(x, y []GapBlock) []GapBlock {
	out := make([]GapBlock, 0, len(x)+len(y))
	out = append(out, x...)
	out = append(out, y...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Less(out[j].Start) })
	return out
}
