// =============================================================================
// 文件: internal/sctp/heartbeat.go
// 描述: 路径心跳 - 空闲探测、路径确认与故障检测
// =============================================================================
package sctp

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
)

// heartbeatInterval 心跳周期: 配置间隔加上路径 RTO
func (a *Association) heartbeatInterval(p *path) time.Duration {
	return a.cfg.HeartbeatInterval + p.rto.RTO()
}

// startHeartbeats 偶联建立后为每条路径启动心跳; 未确认路径立即探测
func (a *Association) startHeartbeats() {
	for _, p := range a.paths.paths {
		if !p.confirmed {
			a.sendHeartbeat(p, true)
			continue
		}
		a.restartHeartbeat(p)
	}
}

// restartHeartbeat 路径上有数据发送时推迟下一次心跳
func (a *Association) restartHeartbeat(p *path) {
	if !a.cfg.HeartbeatsEnabled || a.state < StateEstablished {
		return
	}
	a.startTimer(&p.hbTimer, a.heartbeatInterval(p), func() { a.heartbeatTimerExpired(p) })
}

func (a *Association) heartbeatTimerExpired(p *path) {
	a.sendHeartbeat(p, false)
	if !a.timerRunning(p.hbTimer) {
		a.restartHeartbeat(p)
	}
}

// sendHeartbeat 空闲超过半个周期或 force 时发送心跳
func (a *Association) sendHeartbeat(p *path, force bool) {
	now := a.clk.Now()
	if !force {
		if a.timerRunning(p.hbTimeout) {
			return
		}
		if !p.lastSend.IsZero() && now.Sub(p.lastSend) <= a.heartbeatInterval(p)/2 {
			return
		}
	}
	p.hbNonce = a.randomUint64()
	hb := &Heartbeat{Info: HeartbeatInfo{Addr: p.addr, Sent: now, Nonce: p.hbNonce}}
	a.transmit(p, []Chunk{hb})
	a.startTimer(&p.hbTimeout, p.rto.RTO(), func() { a.heartbeatTimeout(p) })
	a.restartHeartbeat(p)
	a.log().WithFields(log.Fields{"path": p.addr, "forced": force}).Debug("发送心跳")
}

// heartbeatTimeout 心跳未获确认
func (a *Association) heartbeatTimeout(p *path) {
	if p.active {
		p.errorCount++
		a.assocErrors++
	}
	p.rto.Backoff()
	a.log().WithFields(log.Fields{
		"path":   p.addr,
		"errors": p.errorCount,
	}).Debug("心跳超时")
	if a.assocErrors > a.cfg.AssocMaxRetrans {
		a.connectionLost(ErrConnectionLost)
		return
	}
	if !a.checkPathFailure(p) {
		return
	}
	a.publishPaths()
	if !p.confirmed {
		// 未确认路径持续探测
		a.sendHeartbeat(p, true)
	}
}

// handleHeartbeat 原样回送心跳信息
func (a *Association) handleHeartbeat(hb *Heartbeat, src netip.AddrPort) {
	pkt := a.packet([]Chunk{&HeartbeatAck{Info: hb.Info}})
	a.transmitTo(src, pkt)
}

// handleHeartbeatAck 心跳确认: RTT 采样, 清零错误计数, 确认路径
func (a *Association) handleHeartbeatAck(ack *HeartbeatAck, from PathID) {
	id, ok := a.paths.lookup(ack.Info.Addr)
	if !ok {
		id = from
	}
	p := a.paths.get(id)
	if p == nil || ack.Info.Nonce != p.hbNonce || p.hbNonce == 0 {
		a.count(CounterDiscarded, 1)
		return
	}
	now := a.clk.Now()
	p.hbNonce = 0
	a.stopTimer(&p.hbTimeout)
	if rtt := now.Sub(ack.Info.Sent); rtt >= 0 {
		p.rto.Update(rtt, now)
	}
	p.errorCount = 0
	a.assocErrors = 0
	if !p.confirmed {
		p.confirmed = true
		a.log().WithField("path", p.addr).Info("路径已确认")
	}
	if p.primaryCandidate {
		a.paths.setPrimary(p.id)
		a.paths.initialPrimary = p.id
		if p.cw != nil {
			p.cw.SetSsthresh(a.peerRwnd)
		}
		a.log().WithField("path", p.addr).Info("主路径已切换")
	}
	a.reactivatePath(p)
	a.publishPaths()
}
