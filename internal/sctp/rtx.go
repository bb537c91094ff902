// =============================================================================
// 文件: internal/sctp/rtx.go
// 描述: T3 重传定时器、重传路径选择与路径故障检测
// =============================================================================
package sctp

import (
	log "github.com/sirupsen/logrus"
)

func (a *Association) startT3(p *path) {
	a.startTimer(&p.t3, p.rto.RTO(), func() { a.t3Expired(p) })
}

// chooseRetransmissionPath 定时器重传的目的路径
func (a *Association) chooseRetransmissionPath(u *dataUnit) PathID {
	last := u.lastPath
	lastActive := false
	if p := a.paths.get(last); p != nil && p.active {
		lastActive = true
	}
	var next PathID
	switch a.cfg.RtxPolicy {
	case RtxSamePath:
		next = last
		if !lastActive {
			next = a.paths.next(last)
		}
	case RtxSmallestSRTT:
		next = a.paths.smallestSRTT()
	case RtxLargestCwnd:
		next = a.paths.largestAvailableCwnd(a.ledger.outstandingOn)
	default:
		next = a.paths.next(last)
		if p := a.paths.get(next); p != nil && !p.confirmed && lastActive {
			next = last
		}
	}
	if p := a.paths.get(next); p == nil || !p.active {
		if lastActive {
			return last
		}
		next = a.paths.primary
	}
	if next == NoPath {
		return last
	}
	return next
}

// t3Expired RFC 4960 §6.3.3
func (a *Association) t3Expired(p *path) {
	osb := a.ledger.outstandingOn(p.id)
	forwardDue := a.peerForwardTSN && a.advancedPeerAckPoint.Greater(a.lastTsnAck)
	if osb == 0 && !forwardDue {
		return
	}
	now := a.clk.Now()
	a.log().WithFields(log.Fields{
		"path":        p.addr,
		"rto":         p.rto.RTO(),
		"outstanding": osb,
	}).Debug("T3 超时")

	p.rto.Backoff()
	p.cw.OnTimeout(a.paths.group(), p.rto.SRTT())
	if !a.zeroWindowProbing {
		p.errorCount++
		a.assocErrors++
	}
	if a.assocErrors > a.cfg.AssocMaxRetrans {
		a.connectionLost(ErrConnectionLost)
		return
	}
	if !a.checkPathFailure(p) {
		return
	}

	moved := 0
	a.ledger.walk(a.ledger.floor, a.nextTSN.Prev(), func(id unitID) bool {
		u := a.ledger.unit(id)
		if u.lastPath != p.id || u.acked || u.abandoned || !u.outstanding {
			return true
		}
		next := a.chooseRetransmissionPath(u)
		u.fastRetransmitted = false
		u.timerRetransmitted = true
		u.gapReports = 0
		u.moved = next != p.id
		a.ledger.clearOutstanding(id)
		a.ledger.queueRetransmission(id, next)
		a.peerRwnd += u.booksize
		if a.peerRwnd > a.initialPeerRwnd {
			a.peerRwnd = a.initialPeerRwnd
		}
		moved++
		return true
	})
	a.count(CounterT3Retransmits, uint64(moved))
	if a.ledger.outstandingOn(p.id) == 0 {
		a.stopTimer(&p.t3)
	}
	if a.prInUse {
		a.abandonExpired(now)
	}
	a.advancePeerAckPoint()
	a.publishPaths()

	first := a.paths.next(p.id)
	if first == NoPath {
		first = p.id
	}
	a.sendOnAllPaths(first)
}

// checkPathFailure 错误计数超限时停用路径; 偶联因此中止时返回 false
func (a *Association) checkPathFailure(p *path) bool {
	if p.errorCount <= a.cfg.PathMaxRetrans || !p.active {
		return true
	}
	a.deactivatePath(p)
	if a.paths.allInactive() {
		a.connectionLost(ErrNoActivePath)
		return false
	}
	return true
}

// deactivatePath 路径失效: 迁移主路径并改道排队重传
func (a *Association) deactivatePath(p *path) {
	p.active = false
	a.stopTimer(&p.t3)
	a.count(CounterPathFailures, 1)
	a.log().WithField("path", p.addr).Warn("路径失效")
	if a.paths.primary == p.id {
		if next := a.paths.next(p.id); next != NoPath {
			a.paths.primary = next
			a.log().WithField("primary", a.paths.get(next).addr).Info("主路径迁移")
		}
	}
	// 排队到失效路径上的重传改道
	for _, id := range append([]unitID(nil), a.ledger.rtx...) {
		u := a.ledger.unit(id)
		if u.nextPath != p.id {
			continue
		}
		a.ledger.dequeueRetransmission(id)
		a.ledger.queueRetransmission(id, a.chooseRetransmissionPath(u))
	}
	a.notify(Notification{Kind: NotifyPathStatus, Path: p.addr, Active: false})
	a.stats.PathUpdated(a.id, a.paths.snapshot(p, a.ledger.outstandingOn(p.id), a.ledger.queuedOn(p.id)))
}

// reactivatePath 路径恢复; 初始主路径恢复时重新成为主路径
func (a *Association) reactivatePath(p *path) {
	if p.active {
		return
	}
	p.active = true
	p.errorCount = 0
	a.log().WithField("path", p.addr).Info("路径恢复")
	if p.id == a.paths.initialPrimary {
		a.paths.primary = p.id
	} else if pp := a.paths.primaryPath(); pp == nil || !pp.active {
		a.paths.primary = p.id
	}
	a.notify(Notification{Kind: NotifyPathStatus, Path: p.addr, Active: true})
}
