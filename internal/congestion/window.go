// =============================================================================
// 文件: internal/congestion/window.go
// 描述: 每路径拥塞窗口 (RFC 4960 §7.2 + CMT 耦合变体)
// =============================================================================
package congestion

import (
	"math"
	"time"

	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

const (
	defaultDecrease   = 0.5
	defaultRPMinCwnd  = 2
	rfc4960InitialCap = 4380
)

// Member 路径组中单条路径的快照
type Member struct {
	Cwnd          uint32
	Ssthresh      uint32
	SRTT          time.Duration
	SentSinceLoss uint64
}

// Group 偶联内所有路径的汇总, 每个 SACK 处理前计算一次
type Group struct {
	Paths          int
	TotalCwnd      uint64
	TotalSsthresh  uint64
	TotalBandwidth float64 // Σ cwnd/srtt
	Alpha          float64 // LIA 的 α

	members   []Member
	collected []bool
	maxWnd    []bool
	nCollect  int
	nMaxWnd   int
}

// srttUnits 以 1/8 毫秒为单位, 避免除零
func srttUnits(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms * 8
}

// NewGroup 根据路径快照计算组信息
func NewGroup(members []Member) *Group {
	g := &Group{
		Paths:     len(members),
		members:   members,
		collected: make([]bool, len(members)),
		maxWnd:    make([]bool, len(members)),
	}
	var qNum, qDen float64
	var bestScore float64
	var maxCwnd uint32
	for _, m := range members {
		g.TotalCwnd += uint64(m.Cwnd)
		g.TotalSsthresh += uint64(m.Ssthresh)
		rtt := srttUnits(m.SRTT)
		g.TotalBandwidth += float64(m.Cwnd) / rtt
		qNum = math.Max(qNum, float64(m.Cwnd)/(rtt*rtt))
		qDen += float64(m.Cwnd) / rtt

		score := float64(m.SentSinceLoss) * float64(m.SentSinceLoss) / rtt
		if score > bestScore {
			bestScore = score
		}
		if m.Cwnd > maxCwnd {
			maxCwnd = m.Cwnd
		}
	}
	if qDen > 0 {
		g.Alpha = float64(g.TotalCwnd) * (qNum / (qDen * qDen))
	}

	// OLIA: collected = best_paths \ max_w_paths
	for i, m := range members {
		score := float64(m.SentSinceLoss) * float64(m.SentSinceLoss) / srttUnits(m.SRTT)
		isMax := m.Cwnd == maxCwnd
		if isMax {
			g.maxWnd[i] = true
			g.nMaxWnd++
		}
		if score == bestScore && !isMax {
			g.collected[i] = true
			g.nCollect++
		}
	}
	return g
}

// Window 单路径拥塞窗口
type Window struct {
	p Params

	cwnd     uint32
	ssthresh uint32
	pba      uint32

	fastRecovery bool
	exitPoint    seqnum.TSN

	sentSinceLoss uint64

	increases uint64
	decreases uint64
	timeouts  uint64
}

// InitialCwnd RFC 4960 §7.2.1: min(4*MTU, max(2*MTU, 4380)), 耦合变体按路径数均分
func InitialCwnd(p Params) uint32 {
	upper := max32(2*p.MTU, rfc4960InitialCap)
	base := 4 * p.MTU
	if p.InitialWindow > 0 {
		upper = p.InitialWindow * p.MTU
		base = upper
	}
	if !p.Variant.Coupled() || p.Paths <= 1 {
		return min32(base, upper)
	}
	cwnd := min32(uint32(math.Ceil(float64(base)/float64(p.Paths))), upper)
	if cwnd < p.MTU {
		cwnd = p.MTU
	}
	return cwnd
}

// NewWindow 创建窗口, ssthresh 初始化为对端接收窗口
func NewWindow(p Params, peerRwnd uint32) *Window {
	if p.RPMinCwnd == 0 {
		p.RPMinCwnd = defaultRPMinCwnd
	}
	if p.DecreaseRatio <= 0 || p.DecreaseRatio >= 1 {
		p.DecreaseRatio = defaultDecrease
	}
	w := &Window{p: p}
	w.cwnd = InitialCwnd(p)
	w.ssthresh = peerRwnd
	return w
}

// Cwnd 拥塞窗口
func (w *Window) Cwnd() uint32 { return w.cwnd }

// Ssthresh 慢启动阈值
func (w *Window) Ssthresh() uint32 { return w.ssthresh }

// PartialBytesAcked 拥塞避免阶段的累计确认字节
func (w *Window) PartialBytesAcked() uint32 { return w.pba }

// InFastRecovery 是否处于快速恢复
func (w *Window) InFastRecovery() bool { return w.fastRecovery }

// ExitPoint 快速恢复退出点
func (w *Window) ExitPoint() seqnum.TSN { return w.exitPoint }

// MTU 当前 MTU
func (w *Window) MTU() uint32 { return w.p.MTU }

// SetMTU 路径 MTU 变化
func (w *Window) SetMTU(mtu uint32) { w.p.MTU = mtu }

// SetSsthresh 心跳确认路径后按对端窗口重置阈值
func (w *Window) SetSsthresh(v uint32) { w.ssthresh = v }

// State 当前拥塞状态
func (w *Window) State() CongestionState {
	switch {
	case w.fastRecovery:
		return StateRecovery
	case w.cwnd <= w.ssthresh:
		return StateSlowStart
	default:
		return StateCongestionAvoidance
	}
}

// Snapshot 组计算用快照
func (w *Window) Snapshot(srtt time.Duration) Member {
	return Member{Cwnd: w.cwnd, Ssthresh: w.ssthresh, SRTT: srtt, SentSinceLoss: w.sentSinceLoss}
}

// OnSent 记录发送字节 (OLIA 使用)
func (w *Window) OnSent(bytes uint32) { w.sentSinceLoss += uint64(bytes) }

func (w *Window) utilized(outstandingBefore uint32) bool {
	if outstandingBefore >= w.cwnd {
		return true
	}
	return w.p.Strict && outstandingBefore+w.p.MTU > w.cwnd
}

// OnBytesAcked 新确认字节到达时增长窗口
//
// advanced 表示累计确认点 (或 CMT 的伪累计确认点) 在该路径上前进。
// 快速恢复期间窗口不变。
func (w *Window) OnBytesAcked(g *Group, idx int, srtt time.Duration, acked, outstandingBefore, outstandingNow uint32, advanced bool) {
	if w.fastRecovery {
		return
	}
	mtu := w.p.MTU
	if w.cwnd <= w.ssthresh {
		w.pba = 0
		if advanced && w.utilized(outstandingBefore) {
			w.cwnd = w.increase(g, idx, srtt, min32(mtu, acked), acked, true)
			w.increases++
		}
	} else {
		w.pba += acked
		enough := w.pba >= w.cwnd ||
			(w.p.Strict && w.pba >= mtu && w.pba+mtu > w.cwnd)
		if advanced && w.utilized(outstandingBefore) && enough {
			w.cwnd = w.increase(g, idx, srtt, mtu, mtu, false)
			w.increases++
			if w.pba > w.cwnd {
				w.pba -= w.cwnd
			} else {
				w.pba = 0
			}
		}
	}
	if outstandingNow == 0 {
		w.pba = 0
	}
}

// increase 返回增长后的窗口; step 为 RFC 4960 的基础增量
func (w *Window) increase(g *Group, idx int, srtt time.Duration, step, acked uint32, slowStart bool) uint32 {
	if g == nil || !w.p.Variant.Coupled() || g.Paths == 0 {
		return w.cwnd + step
	}
	switch w.p.Variant {
	case VariantCMTRPv1:
		ratio := 1.0
		if g.TotalSsthresh > 0 {
			ratio = float64(w.ssthresh) / float64(g.TotalSsthresh)
		}
		return w.cwnd + uint32(math.Ceil(float64(step)*ratio))
	case VariantCMTRPv2:
		ratio := 1.0
		if g.TotalBandwidth > 0 {
			ratio = (float64(w.cwnd) / srttUnits(srtt)) / g.TotalBandwidth
		}
		return w.cwnd + uint32(math.Ceil(float64(step)*ratio))
	case VariantLIA:
		return coupledIncrease(w.cwnd, g.TotalCwnd, g.Alpha, w.p.MTU, acked)
	case VariantOLIA:
		if slowStart {
			return w.cwnd + step
		}
		return w.oliaIncrease(g, idx, srtt)
	}
	return w.cwnd + step
}

// coupledIncrease RFC 6356: min(α*acked*w/Σw, acked), 至少 1 字节
func coupledIncrease(w uint32, total uint64, alpha float64, mtu, acked uint32) uint32 {
	bytes := min32(acked, mtu)
	if total == 0 {
		return w + bytes
	}
	inc := uint32(math.Ceil(float64(w) * alpha * float64(bytes) / float64(total)))
	inc = min32(inc, bytes)
	if inc < 1 {
		inc = 1
	}
	return w + inc
}

func (w *Window) oliaIncrease(g *Group, idx int, srtt time.Duration) uint32 {
	rtt := srttUnits(srtt)
	var den float64
	for _, m := range g.members {
		den += float64(m.Cwnd) / srttUnits(m.SRTT)
	}
	if den == 0 {
		return w.cwnd + w.p.MTU
	}
	term1 := (float64(w.cwnd) / (rtt * rtt)) / (den * den)
	inc := term1 * float64(w.cwnd) * float64(w.p.MTU)
	n := float64(g.Paths)
	switch {
	case idx >= 0 && idx < len(g.collected) && g.collected[idx]:
		inc += float64(w.p.MTU) / (n * float64(g.nCollect))
	case idx >= 0 && idx < len(g.maxWnd) && g.maxWnd[idx] && g.nCollect > 0:
		inc -= float64(w.p.MTU) / (n * float64(g.nMaxWnd))
	}
	if inc < 0 {
		return w.cwnd
	}
	return w.cwnd + uint32(math.Ceil(inc))
}

// OnLoss 快速重传触发的窗口缩减; 已在快速恢复中时返回 false
//
// exitPoint 为该路径上最高的未确认 TSN。
func (w *Window) OnLoss(g *Group, srtt time.Duration, exitPoint seqnum.TSN, fastRecovery bool) bool {
	if w.fastRecovery {
		return false
	}
	mtu := int64(w.p.MTU)
	cwnd := int64(w.cwnd)
	dec := w.p.DecreaseRatio
	rpMin := int64(w.p.RPMinCwnd) * mtu

	var ss int64
	switch {
	case g == nil || !w.p.Variant.Coupled():
		ss = max64(cwnd-int64(math.Round(dec*float64(cwnd))), 4*mtu)
	case w.p.Variant == VariantCMTRPv1:
		ratio := w.sstRatio(g)
		reduced := int64(math.Ceil(float64(cwnd) - math.Round(float64(g.TotalCwnd)*dec)))
		ss = max64(reduced, max64(mtu, int64(math.Ceil(float64(rpMin)*ratio))))
	case w.p.Variant == VariantCMTRPv2:
		rf := w.reductionFactor(g, srtt)
		reduced := int64(math.Ceil(float64(cwnd) - rf*float64(cwnd)))
		ss = max64(reduced, rpMin)
	case w.p.Variant == VariantLIA:
		reduced := int64(math.Ceil(float64(cwnd) - math.Round(dec*float64(cwnd))))
		ss = max64(reduced, rpMin)
	default: // OLIA
		ss = max64(cwnd-int64(math.Round(dec*float64(cwnd))), 4*mtu)
	}
	w.ssthresh = uint32(ss)
	w.cwnd = w.ssthresh
	w.pba = 0
	w.sentSinceLoss = 0
	w.decreases++
	if fastRecovery {
		w.fastRecovery = true
		w.exitPoint = exitPoint
	}
	return true
}

// OnTimeout T3 超时: ssthresh 减半, cwnd 回到 1 MTU, 退出快速恢复
func (w *Window) OnTimeout(g *Group, srtt time.Duration) {
	mtu := int64(w.p.MTU)
	cwnd := int64(w.cwnd)
	dec := w.p.DecreaseRatio
	rpMin := int64(w.p.RPMinCwnd) * mtu

	newCwnd := mtu
	var ss int64
	switch {
	case g == nil || !w.p.Variant.Coupled():
		ss = max64(cwnd-int64(math.Round(dec*float64(cwnd))), 4*mtu)
	case w.p.Variant == VariantCMTRPv1:
		ratio := w.sstRatio(g)
		decreased := cwnd - int64(math.Round(float64(g.TotalCwnd)*dec))
		ss = max64(decreased, max64(mtu, int64(math.Ceil(float64(rpMin)*ratio))))
		newCwnd = max64(mtu, int64(math.Ceil(float64(mtu)*ratio)))
	case w.p.Variant == VariantCMTRPv2:
		rf := w.reductionFactor(g, srtt)
		ss = max64(rpMin, int64(math.Ceil(float64(cwnd)-rf*float64(cwnd))))
	case w.p.Variant == VariantLIA:
		ss = max64(cwnd-int64(math.Round(dec*float64(cwnd))), rpMin)
	default:
		ss = max64(cwnd-int64(math.Round(dec*float64(cwnd))), 4*mtu)
	}
	w.ssthresh = uint32(ss)
	w.cwnd = uint32(newCwnd)
	w.pba = 0
	w.sentSinceLoss = 0
	w.fastRecovery = false
	w.exitPoint = 0
	w.timeouts++
}

// UpdateFastRecovery 累计确认到达退出点时结束快速恢复
func (w *Window) UpdateFastRecovery(cumAck seqnum.TSN) {
	if w.fastRecovery && cumAck.GreaterEq(w.exitPoint) {
		w.fastRecovery = false
		w.exitPoint = 0
	}
}

// OnIdle 路径空闲超过一个 RTO 后窗口不超过初始窗口
func (w *Window) OnIdle() {
	if initial := InitialCwnd(w.p); w.cwnd > initial {
		w.cwnd = initial
	}
	w.pba = 0
}

// ApplyMaxBurst UseItOrLoseIt: cwnd 不超过 outstanding + maxBurst*MTU
func (w *Window) ApplyMaxBurst(outstanding uint32, maxBurst uint32) {
	if maxBurst == 0 {
		return
	}
	limit := outstanding + maxBurst*w.p.MTU
	if w.cwnd > limit {
		w.cwnd = limit
	}
}

func (w *Window) sstRatio(g *Group) float64 {
	if g.TotalSsthresh == 0 {
		return 1
	}
	return float64(w.ssthresh) / float64(g.TotalSsthresh)
}

func (w *Window) reductionFactor(g *Group, srtt time.Duration) float64 {
	bw := float64(w.cwnd) / srttUnits(srtt)
	if bw == 0 {
		return defaultDecrease
	}
	return math.Max(defaultDecrease, (g.TotalBandwidth/2)/bw)
}

// Stats 统计快照
func (w *Window) Stats() Stats {
	return Stats{
		Cwnd:              w.cwnd,
		Ssthresh:          w.ssthresh,
		PartialBytesAcked: w.pba,
		State:             w.State().String(),
		InRecovery:        w.fastRecovery,
		Increases:         w.increases,
		Decreases:         w.decreases,
		Timeouts:          w.timeouts,
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
