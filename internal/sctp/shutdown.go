// =============================================================================
// 文件: internal/sctp/shutdown.go
// 描述: 优雅关闭 - SHUTDOWN / SHUTDOWN-ACK / SHUTDOWN-COMPLETE, T2 与 T5 定时器
// =============================================================================
package sctp

// Close 优雅关闭: 等待已排队数据全部确认后发送 SHUTDOWN
func (a *Association) Close() error {
	switch a.state {
	case StateClosed:
		return ErrAssociationClosed
	case StateCookieWait, StateCookieEchoed:
		a.teardown()
		a.notify(Notification{Kind: NotifyClosed})
		return nil
	case StateEstablished:
		a.closeRequested = true
		a.setState(StateShutdownPending)
		a.log().Debug("等待在途数据确认后关闭")
		a.sendOnAllPaths(a.paths.primary)
	default:
		a.closeRequested = true
	}
	return nil
}

// drained 没有在途、排队或待重传的数据
func (a *Association) drained() bool {
	return a.ledger.outstanding == 0 && a.out.empty() && len(a.ledger.rtx) == 0 && a.ledger.empty()
}

// checkShutdownProgress 数据清空后推进关闭流程
func (a *Association) checkShutdownProgress() {
	switch a.state {
	case StateShutdownPending:
		if !a.drained() {
			return
		}
		a.setState(StateShutdownSent)
		a.shutdownErrors = 0
		a.sendShutdown()
		a.startTimer(&a.t5, a.cfg.ShutdownGuard, a.t5Expired)
	case StateShutdownReceived:
		if !a.drained() {
			return
		}
		a.setState(StateShutdownAckSent)
		a.shutdownErrors = 0
		a.sendShutdownAck()
	}
}

// sendShutdown 发送 SHUTDOWN 并 (重新) 启动 T2
func (a *Association) sendShutdown() {
	var cum = a.in.cum
	a.stopTimer(&a.in.sackTimer)
	a.in.sackNow = false
	a.sendControl(&Shutdown{CumTSN: cum})
	a.startT2()
}

func (a *Association) sendShutdownAck() {
	a.sendControl(&ShutdownAck{})
	a.startT2()
}

func (a *Association) startT2() {
	if a.t2Timeout == 0 {
		if p := a.paths.primaryPath(); p != nil {
			a.t2Timeout = p.rto.RTO()
		} else {
			a.t2Timeout = a.cfg.RTO.Initial
		}
	}
	a.startTimer(&a.t2, a.t2Timeout, a.t2Expired)
}

// t2Expired 重传 SHUTDOWN 或 SHUTDOWN-ACK, 超时时间加倍
func (a *Association) t2Expired() {
	a.shutdownErrors++
	if a.shutdownErrors > a.cfg.AssocMaxRetrans {
		a.connectionLost(ErrConnectionLost)
		return
	}
	if p := a.paths.primaryPath(); p != nil {
		p.rto.Backoff()
		p.errorCount++
		if !a.checkPathFailure(p) {
			return
		}
	}
	a.t2Timeout *= 2
	if a.t2Timeout > a.cfg.RTO.Max && a.cfg.RTO.Max > 0 {
		a.t2Timeout = a.cfg.RTO.Max
	}
	a.log().WithField("retries", a.shutdownErrors).Debug("T2 超时")
	switch a.state {
	case StateShutdownSent:
		a.sendShutdown()
	case StateShutdownAckSent:
		a.sendShutdownAck()
	}
}

// t5Expired 关闭保护定时器超时
func (a *Association) t5Expired() {
	a.log().Warn("关闭保护定时器超时")
	a.connectionLost(ErrConnectionLost)
}

// handleShutdown 对端请求关闭; 其累计 TSN 按 SACK 处理
func (a *Association) handleShutdown(c *Shutdown, from PathID) {
	switch a.state {
	case StateEstablished, StateShutdownPending, StateShutdownReceived, StateShutdownSent:
	default:
		return
	}
	if c.CumTSN.Greater(a.lastTsnAck) && c.CumTSN.Less(a.nextTSN) {
		a.processSack(&Sack{CumTSN: c.CumTSN, ARwnd: a.lastARwnd}, from, false)
	}
	switch a.state {
	case StateShutdownSent:
		// 双方同时关闭
		a.stopTimer(&a.t5)
		a.setState(StateShutdownAckSent)
		a.shutdownErrors = 0
		a.t2Timeout = 0
		a.sendShutdownAck()
	case StateEstablished, StateShutdownPending:
		a.setState(StateShutdownReceived)
		a.notify(Notification{Kind: NotifyShutdownReceived})
	}
}

// handleShutdownAck 发送 SHUTDOWN-COMPLETE 并关闭
func (a *Association) handleShutdownAck() {
	switch a.state {
	case StateShutdownSent, StateShutdownAckSent:
	default:
		return
	}
	a.sendControl(&ShutdownComplete{})
	a.teardown()
	a.notify(Notification{Kind: NotifyShutdownAckReceived})
	a.notify(Notification{Kind: NotifyClosed})
}

func (a *Association) handleShutdownComplete() {
	if a.state != StateShutdownAckSent {
		return
	}
	a.teardown()
	a.notify(Notification{Kind: NotifyClosed})
}
