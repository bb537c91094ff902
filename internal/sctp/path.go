// =============================================================================
// 文件: internal/sctp/path.go
// 描述: 路径管理 - 每个目的地址的窗口、RTO、故障检测与主路径选择
// =============================================================================
package sctp

import (
	"net/netip"
	"time"

	"github.com/mrcgq/cmtsctp/internal/clock"
	"github.com/mrcgq/cmtsctp/internal/congestion"
	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

// path 单个目的地址
type path struct {
	id   PathID
	addr netip.AddrPort
	mtu  uint32

	rto *congestion.RTOEstimator
	cw  *congestion.Window

	errorCount int
	active     bool
	confirmed  bool
	// 确认后成为主路径
	primaryCandidate bool

	// 单个 SACK 处理期间的临时量
	newlyAcked       uint32
	newCumAck        bool
	requiresRtx      bool
	osbBefore        uint32
	lowestBefore     seqnum.TSN
	hasLowestBefore  bool
	pseudoCumAck     bool
	highestNewlyAck  seqnum.TSN
	hasNewlyAck      bool
	rttSample        time.Duration
	hasRTTSample     bool

	t3        clock.Token
	hbTimer   clock.Token
	hbTimeout clock.Token
	hbNonce   uint64

	lastSend time.Time
}

func (p *path) resetScratch(osb uint32) {
	p.newlyAcked = 0
	p.newCumAck = false
	p.requiresRtx = false
	p.osbBefore = osb
	p.hasLowestBefore = false
	p.pseudoCumAck = false
	p.hasNewlyAck = false
	p.hasRTTSample = false
}

// pathManager 路径表, 下标即 PathID, 顺序稳定
type pathManager struct {
	paths          []*path
	byAddr         map[netip.AddrPort]PathID
	primary        PathID
	initialPrimary PathID
}

func newPathManager() *pathManager {
	return &pathManager{
		byAddr:         make(map[netip.AddrPort]PathID),
		primary:        NoPath,
		initialPrimary: NoPath,
	}
}

// add 添加目的地址; 已存在时返回原 ID
func (m *pathManager) add(addr netip.AddrPort, mtu uint32, rto congestion.RTOConfig) (PathID, bool) {
	if id, ok := m.byAddr[addr]; ok {
		return id, false
	}
	if mtu == 0 {
		mtu = DefaultMTU
	}
	id := PathID(len(m.paths))
	m.paths = append(m.paths, &path{
		id:     id,
		addr:   addr,
		mtu:    mtu,
		rto:    congestion.NewRTOEstimator(rto),
		active: true,
	})
	m.byAddr[addr] = id
	if m.primary == NoPath {
		m.primary = id
		m.initialPrimary = id
	}
	return id, true
}

func (m *pathManager) get(id PathID) *path {
	if id < 0 || int(id) >= len(m.paths) {
		return nil
	}
	return m.paths[id]
}

func (m *pathManager) lookup(addr netip.AddrPort) (PathID, bool) {
	id, ok := m.byAddr[addr]
	return id, ok
}

func (m *pathManager) count() int { return len(m.paths) }

func (m *pathManager) primaryPath() *path { return m.get(m.primary) }

// next 从 from 之后按稳定顺序找下一条活动路径, 没有其他活动路径时返回 NoPath
func (m *pathManager) next(from PathID) PathID {
	n := len(m.paths)
	for i := 1; i <= n; i++ {
		idx := (int(from) + i) % n
		if PathID(idx) == from {
			continue
		}
		if m.paths[idx].active {
			return PathID(idx)
		}
	}
	return NoPath
}

func (m *pathManager) activeCount() int {
	n := 0
	for _, p := range m.paths {
		if p.active {
			n++
		}
	}
	return n
}

func (m *pathManager) allInactive() bool { return m.activeCount() == 0 }

// setPrimary 设置主路径
func (m *pathManager) setPrimary(id PathID) {
	m.primary = id
	for _, p := range m.paths {
		p.primaryCandidate = false
	}
}

// initWindows 偶联建立时初始化每条路径的拥塞窗口
func (m *pathManager) initWindows(base congestion.Params, peerRwnd uint32) {
	for _, p := range m.paths {
		params := base
		params.MTU = p.mtu
		params.Paths = len(m.paths)
		p.cw = congestion.NewWindow(params, peerRwnd)
	}
}

// group 耦合变体使用的路径组, 下标与 PathID 一致
func (m *pathManager) group() *congestion.Group {
	members := make([]congestion.Member, len(m.paths))
	for i, p := range m.paths {
		if p.cw != nil {
			members[i] = p.cw.Snapshot(p.rto.SRTT())
		}
	}
	return congestion.NewGroup(members)
}

// totalCwnd 活动路径的窗口之和
func (m *pathManager) totalCwnd() uint64 {
	var n uint64
	for _, p := range m.paths {
		if p.active && p.cw != nil {
			n += uint64(p.cw.Cwnd())
		}
	}
	return n
}

// minMTU 所有路径的最小 MTU
func (m *pathManager) minMTU() uint32 {
	mtu := uint32(0)
	for _, p := range m.paths {
		if mtu == 0 || p.mtu < mtu {
			mtu = p.mtu
		}
	}
	if mtu == 0 {
		mtu = DefaultMTU
	}
	return mtu
}

// smallestSRTT 已确认活动路径中 SRTT 最小者
func (m *pathManager) smallestSRTT() PathID {
	best := NoPath
	var bestRTT time.Duration
	for _, p := range m.paths {
		if !p.active || !p.confirmed {
			continue
		}
		if best == NoPath || p.rto.SRTT() < bestRTT {
			best, bestRTT = p.id, p.rto.SRTT()
		}
	}
	return best
}

// largestAvailableCwnd 已确认活动路径中 cwnd - outstanding 最大者
func (m *pathManager) largestAvailableCwnd(outstanding func(PathID) uint32) PathID {
	best := NoPath
	var bestAvail int64
	for _, p := range m.paths {
		if !p.active || !p.confirmed || p.cw == nil {
			continue
		}
		avail := int64(p.cw.Cwnd()) - int64(outstanding(p.id))
		if best == NoPath || avail > bestAvail {
			best, bestAvail = p.id, avail
		}
	}
	return best
}

func (m *pathManager) snapshot(p *path, outstanding, queued uint32) PathSnapshot {
	s := PathSnapshot{
		Addr:        p.addr,
		Active:      p.active,
		Primary:     p.id == m.primary,
		Confirmed:   p.confirmed,
		MTU:         p.mtu,
		Outstanding: outstanding,
		Queued:      queued,
		SRTT:        p.rto.SRTT(),
		RTO:         p.rto.RTO(),
		ErrorCount:  p.errorCount,
	}
	if p.cw != nil {
		s.Cwnd = p.cw.Cwnd()
		s.Ssthresh = p.cw.Ssthresh()
		s.CCState = p.cw.State().String()
	}
	return s
}
