// =============================================================================
// 文件: internal/sctp/scheduler.go
// 描述: 调度与组包 - 窗口预算、重传优先、Nagle、严格预约与缓冲区拆分
// =============================================================================
package sctp

import (
	"time"
)

// canSendData 该状态下是否还能发送 DATA
func (a *Association) canSendData() bool {
	switch a.state {
	case StateEstablished, StateShutdownPending, StateShutdownReceived:
		return true
	}
	return false
}

// fragPoint 单个 DATA 块的最大负载
func (a *Association) fragPoint() int {
	return int(a.paths.minMTU()) - CommonHeaderSize - DataChunkHeaderLen
}

// sendOnAllPaths 每个事件结束时调用: 从 first 开始依次在每条路径上发送
func (a *Association) sendOnAllPaths(first PathID) {
	if a.state < StateEstablished || a.in == nil {
		return
	}
	now := a.clk.Now()
	if a.prInUse {
		a.abandonExpired(now)
	}

	order := make([]PathID, 0, a.paths.count())
	seen := make(map[PathID]bool, a.paths.count())
	push := func(id PathID) {
		if id != NoPath && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	if a.in.sackNow {
		if p := a.paths.get(a.in.sackPath); p != nil && p.active {
			push(p.id)
		}
	}
	push(first)
	for id := PathID(0); int(id) < a.paths.count(); id++ {
		push(id)
	}

	passes := 1
	if a.cfg.StrictBooking {
		passes = 2
	}
	for pass := 0; pass < passes; pass++ {
		for _, id := range order {
			p := a.paths.get(id)
			if p == nil || !p.active || p.cw == nil {
				continue
			}
			a.sendOnPath(p, pass == 1, now)
			if a.state == StateClosed {
				return
			}
		}
	}

	// 没有活动路径承载时单独发送 SACK 与 FORWARD-TSN
	if a.in.sackNow || a.forwardTSNPending {
		p := a.paths.get(a.in.sackPath)
		if p == nil || !a.in.sackNow {
			p = a.paths.primaryPath()
		}
		if p != nil {
			var chunks []Chunk
			if a.in.sackNow {
				chunks = append(chunks, a.createSack(int(p.mtu)-CommonHeaderSize))
				a.sackSent()
			}
			if a.forwardTSNPending {
				chunks = append(chunks, a.forwardTSNChunk())
				a.forwardTSNPending = false
				if !a.timerRunning(p.t3) {
					a.startT3(p)
				}
			}
			a.transmit(p, chunks)
		}
	}

	a.checkQueueAbated()
	a.checkShutdownProgress()
}

// sendOnPath 在一条路径上组包直到窗口或数据耗尽
func (a *Association) sendOnPath(p *path, secondPass bool, now time.Time) {
	osb := a.ledger.outstandingOn(p.id)
	if !secondPass {
		if osb == 0 && !p.lastSend.IsZero() && now.Sub(p.lastSend) > p.rto.RTO() {
			p.cw.OnIdle()
		}
		if a.cfg.MaxBurst > 0 {
			p.cw.ApplyMaxBurst(osb, uint32(a.cfg.MaxBurst))
		}
	}

	rtxPacketAllowed := true
	for {
		mtu := int(p.mtu)
		space := mtu - CommonHeaderSize
		var chunks []Chunk
		dataBytes := uint32(0)
		sentForward := false
		a.out.beginPacket()

		if a.in.sackNow {
			s := a.createSack(space)
			chunks = append(chunks, s)
			space -= s.Len()
			a.sackSent()
		}
		if a.forwardTSNPending {
			f := a.forwardTSNChunk()
			if f.Len() <= space {
				chunks = append(chunks, f)
				space -= f.Len()
				a.forwardTSNPending = false
				sentForward = true
			}
		}

		// 重传优先
		if queued := a.ledger.queuedOn(p.id); queued > 0 {
			osb = a.ledger.outstandingOn(p.id)
			cwnd := p.cw.Cwnd()
			var allowance int64
			windowLimited := false
			switch {
			case a.peerRwnd < uint32(mtu):
				allowance = int64(a.peerRwnd)
				// 无在途数据时窗口不足也必须放行一个 MTU, 否则无人再发 SACK 更新窗口
				if a.ledger.outstanding == 0 && allowance < int64(mtu) {
					allowance = int64(mtu)
					windowLimited = true
				}
			case cwnd > osb:
				allowance = int64(cwnd - osb)
				if int64(queued) < allowance {
					allowance = int64(queued)
				}
			case rtxPacketAllowed:
				allowance = int64(mtu)
			}
			sentRtx := false
			for allowance > 0 {
				id, ok := a.ledger.nextRetransmission(p.id, space, allowance)
				if !ok {
					break
				}
				u := a.ledger.unit(id)
				if a.shouldAbandon(u, now) {
					a.abandonMessage(u)
					a.advancePeerAckPoint()
					continue
				}
				a.ledger.dequeueRetransmission(id)
				a.ledger.setLastPath(id, p.id)
				a.ledger.markOutstanding(id)
				u.retransmissions++
				u.transmissions++
				u.sendTime = now
				chunks = append(chunks, u.chunk())
				space -= u.wireLen()
				allowance -= int64(u.booksize)
				dataBytes += u.booksize
				a.peerRwnd = subFloor(a.peerRwnd, u.booksize)
				sentRtx = true
			}
			if sentRtx {
				rtxPacketAllowed = false
				if windowLimited {
					a.zeroWindowProbing = true
				}
			}
		}

		// 新数据
		if a.mayAddNewData(p) && a.ledger.queuedOn(p.id) == 0 {
			fp := a.fragPoint()
			for {
				size := a.out.peekSize(fp)
				if size == 0 || padded(DataChunkHeaderLen+size) > space {
					break
				}
				probe, ok := a.newDataAllowed(p, uint32(size), secondPass)
				if !ok || a.nagleHold(dataBytes, space) {
					break
				}
				id := a.nextFragment(fp, now)
				u := a.ledger.unit(id)
				u.lastPath = p.id
				u.nextPath = p.id
				u.transmissions = 1
				u.sendTime = now
				u.tsn = a.nextTSN
				a.nextTSN = a.nextTSN.Next()
				if err := a.ledger.insert(id); err != nil {
					a.log().WithError(err).Error("账本插入失败")
					a.ledger.release(id)
					break
				}
				a.firstDataSent = true
				chunks = append(chunks, u.chunk())
				space -= u.wireLen()
				dataBytes += u.booksize
				a.peerRwnd = subFloor(a.peerRwnd, u.booksize)
				a.count(CounterBytesSent, uint64(u.booksize))
				if probe {
					a.zeroWindowProbing = true
					break
				}
			}
		}

		if len(chunks) == 0 {
			return
		}
		a.transmit(p, chunks)
		if dataBytes > 0 {
			p.cw.OnSent(dataBytes)
			p.lastSend = now
			if !a.timerRunning(p.t3) {
				a.startT3(p)
			}
			a.restartHeartbeat(p)
		} else if sentForward && !a.timerRunning(p.t3) {
			a.startT3(p)
		}
		if dataBytes == 0 {
			return
		}
	}
}

// mayAddNewData 非 CMT 时新数据只走主路径
func (a *Association) mayAddNewData(p *path) bool {
	if !a.canSendData() || a.out.empty() || !p.active {
		return false
	}
	if a.cfg.CMT {
		return p.confirmed
	}
	return p.id == a.paths.primary
}

// newDataAllowed 是否还能在该路径上发送 size 字节的新数据; probe 表示零窗口探测
func (a *Association) newDataAllowed(p *path, size uint32, secondPass bool) (probe bool, ok bool) {
	osb := a.ledger.outstandingOn(p.id)
	if a.peerWindowFull || a.peerRwnd == 0 {
		if a.ledger.outstanding == 0 && !a.zeroWindowProbing {
			return true, true
		}
		return false, false
	}
	if !a.firstDataSent {
		return false, true
	}
	if a.cfg.BufferSplitting {
		divisor := a.cfg.BufferSplitPaths
		if divisor <= 0 {
			divisor = a.paths.activeCount()
		}
		if divisor > 0 {
			limit := (uint64(a.peerRwnd) + uint64(a.ledger.outstanding)) / uint64(divisor)
			if uint64(osb)+uint64(size) > limit {
				return false, false
			}
		}
	}
	cwnd := p.cw.Cwnd()
	if !a.cfg.StrictBooking {
		return false, osb < cwnd
	}
	if !secondPass {
		return false, osb+size <= cwnd
	}
	// 第二轮: 多路径总窗口仍有余量时允许少量超订
	mtu := p.mtu
	over := uint32(a.cfg.OverbookMTUs) * mtu
	if a.paths.totalCwnd() < uint64(a.ledger.outstanding)+uint64(mtu) {
		return false, false
	}
	return false, osb+size <= cwnd+over
}

// nagleHold Nagle: 有在途数据且不足一个满包时暂缓
func (a *Association) nagleHold(packetData uint32, space int) bool {
	if !a.cfg.Nagle || a.ledger.outstanding == 0 || packetData > 0 {
		return false
	}
	if a.state == StateShutdownPending || a.state == StateShutdownReceived {
		return false
	}
	if m := a.out.pick(); m != nil && m.opts.Immediate {
		return false
	}
	return a.out.queued+DataChunkHeaderLen < space
}

// nextFragment 从流调度器取出一个分片并放入 arena
func (a *Association) nextFragment(fragPoint int, now time.Time) unitID {
	m := a.out.pick()
	payload, ssn, begin, end := a.out.fragment(m, fragPoint)
	id := a.ledger.alloc()
	u := a.ledger.unit(id)
	u.stream = m.stream
	u.ssn = ssn
	u.ppid = m.opts.PPID
	u.unordered = m.opts.Unordered
	u.begin = begin
	u.end = end
	u.immediate = m.opts.Immediate && end
	u.payload = payload
	u.booksize = uint32(len(payload))
	u.msgID = m.id
	u.pr = m.opts.PR
	u.expiry = m.expiry
	u.maxRtx = m.opts.MaxRetransmissions
	u.priority = m.opts.Priority
	return id
}

func (a *Association) checkQueueAbated() {
	if a.out.full && a.out.queued < a.out.limit {
		a.out.full = false
		a.notify(Notification{Kind: NotifySendQueueAbated, Bytes: a.out.queued})
	}
}

func subFloor(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}
