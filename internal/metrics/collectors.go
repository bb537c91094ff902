// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: 偶联统计收集器 - 同时实现 sctp.StatsSink 与 prometheus.Collector
// =============================================================================
package metrics

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/cmtsctp/internal/sctp"
)

const namespace = "cmtsctp"

// AssociationInfo 单个偶联的统计快照
type AssociationInfo struct {
	ID       uint32              `json:"id"`
	State    string              `json:"state"`
	Since    time.Time           `json:"since"`
	Counters map[string]uint64   `json:"counters"`
	Paths    []sctp.PathSnapshot `json:"paths"`
}

type assocStats struct {
	state    sctp.State
	since    time.Time
	counters []uint64
	paths    map[string]sctp.PathSnapshot
	closedAt time.Time
}

var counterOrder = sctp.Counters()

// Collector 偶联统计收集器
//
// 偶联在各自的事件循环中回调, 因此全部方法加锁。关闭的偶联保留 retain 时长后清除。
type Collector struct {
	mu     sync.RWMutex
	assocs map[uint32]*assocStats
	retain time.Duration
	now    func() time.Time
	hub    *Hub

	counterDescs []*prometheus.Desc
	stateDesc    *prometheus.Desc
	activeDesc   *prometheus.Desc

	pathActiveDesc      *prometheus.Desc
	pathCwndDesc        *prometheus.Desc
	pathSsthreshDesc    *prometheus.Desc
	pathOutstandingDesc *prometheus.Desc
	pathQueuedDesc      *prometheus.Desc
	pathSRTTDesc        *prometheus.Desc
	pathRTODesc         *prometheus.Desc
	pathErrorsDesc      *prometheus.Desc
}

// CollectorOption 收集器选项
type CollectorOption func(*Collector)

// WithRetention 关闭的偶联保留时长
func WithRetention(d time.Duration) CollectorOption {
	return func(c *Collector) { c.retain = d }
}

// WithHub 状态变化同时推送到事件中心
func WithHub(h *Hub) CollectorOption {
	return func(c *Collector) { c.hub = h }
}

// WithNow 指定时间源
func WithNow(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// NewCollector 创建收集器
func NewCollector(opts ...CollectorOption) *Collector {
	subsystem := "association"
	pathSubsystem := "path"
	assocLabels := []string{"assoc"}
	pathLabels := []string{"assoc", "path"}

	c := &Collector{
		assocs: make(map[uint32]*assocStats),
		retain: time.Minute,
		now:    time.Now,

		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "state"),
			"Association state (1 = current)",
			[]string{"assoc", "state"}, nil,
		),
		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active"),
			"Number of associations not in CLOSED state",
			nil, nil,
		),
		pathActiveDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, pathSubsystem, "active"),
			"Whether the path is active (1 = yes)",
			append(pathLabels, "primary"), nil,
		),
		pathCwndDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, pathSubsystem, "cwnd_bytes"),
			"Congestion window of the path",
			append(pathLabels, "cc_state"), nil,
		),
		pathSsthreshDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, pathSubsystem, "ssthresh_bytes"),
			"Slow start threshold of the path",
			pathLabels, nil,
		),
		pathOutstandingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, pathSubsystem, "outstanding_bytes"),
			"Bytes in flight on the path",
			pathLabels, nil,
		),
		pathQueuedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, pathSubsystem, "queued_bytes"),
			"Bytes queued for retransmission or first send on the path",
			pathLabels, nil,
		),
		pathSRTTDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, pathSubsystem, "srtt_seconds"),
			"Smoothed round trip time of the path",
			pathLabels, nil,
		),
		pathRTODesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, pathSubsystem, "rto_seconds"),
			"Retransmission timeout of the path",
			pathLabels, nil,
		),
		pathErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, pathSubsystem, "errors"),
			"Consecutive error counter of the path",
			pathLabels, nil,
		),
	}
	for _, ctr := range counterOrder {
		c.counterDescs = append(c.counterDescs, prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, ctr.String()+"_total"),
			"Association counter "+ctr.String(),
			assocLabels, nil,
		))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) entry(assoc uint32) *assocStats {
	s, ok := c.assocs[assoc]
	if !ok {
		s = &assocStats{
			since:    c.now(),
			counters: make([]uint64, len(counterOrder)),
			paths:    make(map[string]sctp.PathSnapshot),
		}
		c.assocs[assoc] = s
	}
	return s
}

// Add 实现 sctp.StatsSink
func (c *Collector) Add(assoc uint32, ctr sctp.Counter, delta uint64) {
	if int(ctr) >= len(counterOrder) {
		return
	}
	c.mu.Lock()
	c.entry(assoc).counters[ctr] += delta
	c.mu.Unlock()
}

// StateChanged 实现 sctp.StatsSink
func (c *Collector) StateChanged(assoc uint32, st sctp.State) {
	c.mu.Lock()
	s := c.entry(assoc)
	s.state = st
	s.since = c.now()
	if st == sctp.StateClosed {
		s.closedAt = s.since
	}
	c.pruneLocked()
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.Publish(Event{Time: c.now(), Assoc: assoc, Kind: "STATE", State: st.String()})
	}
}

// PathUpdated 实现 sctp.StatsSink
func (c *Collector) PathUpdated(assoc uint32, p sctp.PathSnapshot) {
	c.mu.Lock()
	c.entry(assoc).paths[p.Addr.String()] = p
	c.mu.Unlock()
}

// pruneLocked 清除超过保留时长的已关闭偶联
func (c *Collector) pruneLocked() {
	now := c.now()
	for id, s := range c.assocs {
		if s.state == sctp.StateClosed && !s.closedAt.IsZero() && now.Sub(s.closedAt) > c.retain {
			delete(c.assocs, id)
		}
	}
}

// Forget 立即移除偶联的统计
func (c *Collector) Forget(assoc uint32) {
	c.mu.Lock()
	delete(c.assocs, assoc)
	c.mu.Unlock()
}

func (s *assocStats) info(id uint32) AssociationInfo {
	info := AssociationInfo{
		ID:       id,
		State:    s.state.String(),
		Since:    s.since,
		Counters: make(map[string]uint64, len(counterOrder)),
	}
	for i, ctr := range counterOrder {
		info.Counters[ctr.String()] = s.counters[i]
	}
	for _, p := range s.paths {
		info.Paths = append(info.Paths, p)
	}
	sort.Slice(info.Paths, func(i, j int) bool {
		return info.Paths[i].Addr.String() < info.Paths[j].Addr.String()
	})
	return info
}

// Association 单个偶联的快照
func (c *Collector) Association(id uint32) (AssociationInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.assocs[id]
	if !ok {
		return AssociationInfo{}, false
	}
	return s.info(id), true
}

// Associations 全部偶联的快照, 按编号排序
func (c *Collector) Associations() []AssociationInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AssociationInfo, 0, len(c.assocs))
	for id, s := range c.assocs {
		out = append(out, s.info(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active 未关闭的偶联数
func (c *Collector) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.assocs {
		if s.state != sctp.StateClosed {
			n++
		}
	}
	return n
}

// Describe 实现 prometheus.Collector 接口
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counterDescs {
		ch <- d
	}
	ch <- c.stateDesc
	ch <- c.activeDesc
	ch <- c.pathActiveDesc
	ch <- c.pathCwndDesc
	ch <- c.pathSsthreshDesc
	ch <- c.pathOutstandingDesc
	ch <- c.pathQueuedDesc
	ch <- c.pathSRTTDesc
	ch <- c.pathRTODesc
	ch <- c.pathErrorsDesc
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect 实现 prometheus.Collector 接口
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	active := 0
	for id, s := range c.assocs {
		assoc := strconv.FormatUint(uint64(id), 10)
		if s.state != sctp.StateClosed {
			active++
		}
		for i, d := range c.counterDescs {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(s.counters[i]), assoc)
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, 1, assoc, s.state.String())

		for addr, p := range s.paths {
			ch <- prometheus.MustNewConstMetric(c.pathActiveDesc, prometheus.GaugeValue,
				boolGauge(p.Active), assoc, addr, strconv.FormatBool(p.Primary))
			ch <- prometheus.MustNewConstMetric(c.pathCwndDesc, prometheus.GaugeValue,
				float64(p.Cwnd), assoc, addr, p.CCState)
			ch <- prometheus.MustNewConstMetric(c.pathSsthreshDesc, prometheus.GaugeValue,
				float64(p.Ssthresh), assoc, addr)
			ch <- prometheus.MustNewConstMetric(c.pathOutstandingDesc, prometheus.GaugeValue,
				float64(p.Outstanding), assoc, addr)
			ch <- prometheus.MustNewConstMetric(c.pathQueuedDesc, prometheus.GaugeValue,
				float64(p.Queued), assoc, addr)
			ch <- prometheus.MustNewConstMetric(c.pathSRTTDesc, prometheus.GaugeValue,
				p.SRTT.Seconds(), assoc, addr)
			ch <- prometheus.MustNewConstMetric(c.pathRTODesc, prometheus.GaugeValue,
				p.RTO.Seconds(), assoc, addr)
			ch <- prometheus.MustNewConstMetric(c.pathErrorsDesc, prometheus.GaugeValue,
				float64(p.ErrorCount), assoc, addr)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(active))
}

var _ sctp.StatsSink = (*Collector)(nil)
var _ prometheus.Collector = (*Collector)(nil)
