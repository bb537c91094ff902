// =============================================================================
// 文件: internal/sctp/notify.go
// 描述: 异步通知、统计接收器与网络协作者接口
// =============================================================================
package sctp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

// NotificationKind 通知类型
type NotificationKind uint8

const (
	NotifyEstablished NotificationKind = iota
	NotifyDataArrived
	NotifySendQueueAbated
	NotifySendQueueFull
	NotifyAbandoned
	NotifyResetPerformed
	NotifyPathStatus
	NotifyShutdownReceived
	NotifyShutdownAckReceived
	NotifyConnLost
	NotifyAborted
	NotifyClosed
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyEstablished:
		return "ESTABLISHED"
	case NotifyDataArrived:
		return "DATA_ARRIVED"
	case NotifySendQueueAbated:
		return "SENDQUEUE_ABATED"
	case NotifySendQueueFull:
		return "SENDQUEUE_FULL"
	case NotifyAbandoned:
		return "ABANDONED"
	case NotifyResetPerformed:
		return "RESET_PERFORMED"
	case NotifyPathStatus:
		return "PATH_STATUS"
	case NotifyShutdownReceived:
		return "SHUTDOWN_RECEIVED"
	case NotifyShutdownAckReceived:
		return "SHUTDOWN_ACK_RECEIVED"
	case NotifyConnLost:
		return "CONN_LOST"
	case NotifyAborted:
		return "ABORTED"
	case NotifyClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("NOTIFY(%d)", uint8(k))
	}
}

// Notification 发往应用的异步通知
type Notification struct {
	Kind    NotificationKind
	Assoc   uint32
	Stream  uint16
	Streams []uint16
	Path    netip.AddrPort
	Active  bool
	TSN     seqnum.TSN
	Bytes   int
	Err     error
}

// Handler 接收通知; 在偶联的执行流中同步调用, 不得阻塞
type Handler interface {
	HandleNotification(n Notification)
}

// HandlerFunc 函数适配器
type HandlerFunc func(n Notification)

// HandleNotification 实现 Handler
func (f HandlerFunc) HandleNotification(n Notification) { f(n) }

type nopHandler struct{}

func (nopHandler) HandleNotification(Notification) {}

// Counter 统计计数器
type Counter uint8

const (
	CounterPacketsSent Counter = iota
	CounterPacketsReceived
	CounterBytesSent
	CounterBytesAcked
	CounterBytesReceived
	CounterMessagesSent
	CounterMessagesDelivered
	CounterFastRetransmits
	CounterT3Retransmits
	CounterReneged
	CounterDuplicates
	CounterAbandoned
	CounterPathFailures
	CounterSacksSent
	CounterSacksReceived
	CounterStaleSacks
	CounterDiscarded
	numCounters
)

var counterNames = [numCounters]string{
	"packets_sent", "packets_received", "bytes_sent", "bytes_acked", "bytes_received",
	"messages_sent", "messages_delivered", "fast_retransmits", "t3_retransmits",
	"reneged", "duplicates", "abandoned", "path_failures", "sacks_sent",
	"sacks_received", "stale_sacks", "discarded",
}

func (c Counter) String() string {
	if c < numCounters {
		return counterNames[c]
	}
	return fmt.Sprintf("counter(%d)", uint8(c))
}

// Counters 返回全部计数器
func Counters() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

// PathSnapshot 路径状态快照
type PathSnapshot struct {
	Addr        netip.AddrPort `json:"addr"`
	Active      bool           `json:"active"`
	Primary     bool           `json:"primary"`
	Confirmed   bool           `json:"confirmed"`
	MTU         uint32         `json:"mtu"`
	Cwnd        uint32         `json:"cwnd"`
	Ssthresh    uint32         `json:"ssthresh"`
	Outstanding uint32         `json:"outstanding"`
	Queued      uint32         `json:"queued"`
	SRTT        time.Duration  `json:"srtt"`
	RTO         time.Duration  `json:"rto"`
	ErrorCount  int            `json:"error_count"`
	CCState     string         `json:"cc_state"`
}

// StatsSink 注入的统计接收器; 在偶联执行流中同步调用
type StatsSink interface {
	Add(assoc uint32, c Counter, delta uint64)
	StateChanged(assoc uint32, s State)
	PathUpdated(assoc uint32, p PathSnapshot)
}

// NopSink 丢弃全部统计
type NopSink struct{}

func (NopSink) Add(uint32, Counter, uint64)       {}
func (NopSink) StateChanged(uint32, State)        {}
func (NopSink) PathUpdated(uint32, PathSnapshot) {}

// Route 路由查询结果
type Route struct {
	MTU uint32
	OK  bool
}

// Network 网络协作者: 路由查询与发送 (发送不阻塞, 失败不影响协议状态)
type Network interface {
	Route(dest netip.AddrPort) Route
	Transmit(pkt *Packet, dest netip.AddrPort) error
}
