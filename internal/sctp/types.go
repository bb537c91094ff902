// =============================================================================
// 文件: internal/sctp/types.go
// 描述: 偶联状态、策略枚举与配置
// =============================================================================
package sctp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/cmtsctp/internal/congestion"
)

// 协议常量
const (
	DefaultMTU               = 1500
	DefaultARwnd             = 65536
	DefaultStreams           = 17
	DefaultPathMaxRetrans    = 5
	DefaultAssocMaxRetrans   = 10
	DefaultMaxInitRetrans    = 8
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSackDelay         = 200 * time.Millisecond
	DefaultSackFrequency     = 2
	DefaultFastRtxThreshold  = 3
	DefaultMaxBurst          = 4
	DefaultShutdownGuard     = 180 * time.Second
	DefaultCookieLifetime    = 60 * time.Second
	DefaultMaxInitRTO        = 240 * time.Second
	DefaultSendQueueLimit    = 0
	maxGapBlocks             = 500
)

// State 偶联状态
type State uint8

const (
	StateClosed State = iota
	StateCookieWait
	StateCookieEchoed
	StateEstablished
	StateShutdownPending
	StateShutdownReceived
	StateShutdownSent
	StateShutdownAckSent
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateCookieWait:
		return "COOKIE_WAIT"
	case StateCookieEchoed:
		return "COOKIE_ECHOED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateShutdownPending:
		return "SHUTDOWN_PENDING"
	case StateShutdownReceived:
		return "SHUTDOWN_RECEIVED"
	case StateShutdownSent:
		return "SHUTDOWN_SENT"
	case StateShutdownAckSent:
		return "SHUTDOWN_ACK_SENT"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// PathID 路径句柄 (路径表中的下标)
type PathID int

// NoPath 无路径
const NoPath PathID = -1

// RtxPolicy 重传路径选择策略
type RtxPolicy uint8

const (
	RtxRoundRobin RtxPolicy = iota
	RtxSamePath
	RtxSmallestSRTT
	RtxLargestCwnd
)

var rtxPolicyNames = map[RtxPolicy]string{
	RtxRoundRobin:   "round_robin",
	RtxSamePath:     "same_path",
	RtxSmallestSRTT: "smallest_srtt",
	RtxLargestCwnd:  "largest_cwnd",
}

func (p RtxPolicy) String() string {
	if n, ok := rtxPolicyNames[p]; ok {
		return n
	}
	return fmt.Sprintf("rtx_policy(%d)", uint8(p))
}

// ParseRtxPolicy 解析策略名
func ParseRtxPolicy(s string) (RtxPolicy, error) {
	for p, n := range rtxPolicyNames {
		if strings.EqualFold(n, s) {
			return p, nil
		}
	}
	return 0, errors.Errorf("未知的重传路径策略: %s", s)
}

// SchedulerKind 流调度器
type SchedulerKind uint8

const (
	SchedFCFS SchedulerKind = iota
	SchedRoundRobin
	SchedRoundRobinPacket
	SchedPriority
	SchedFairBandwidth
)

var schedulerNames = map[SchedulerKind]string{
	SchedFCFS:             "fcfs",
	SchedRoundRobin:       "round_robin",
	SchedRoundRobinPacket: "round_robin_packet",
	SchedPriority:         "priority",
	SchedFairBandwidth:    "fair_bandwidth",
}

func (k SchedulerKind) String() string {
	if n, ok := schedulerNames[k]; ok {
		return n
	}
	return fmt.Sprintf("scheduler(%d)", uint8(k))
}

// ParseScheduler 解析调度器名
func ParseScheduler(s string) (SchedulerKind, error) {
	for k, n := range schedulerNames {
		if strings.EqualFold(n, s) {
			return k, nil
		}
	}
	return 0, errors.Errorf("未知的流调度器: %s", s)
}

// PRMethod 部分可靠策略
type PRMethod uint8

const (
	PRNone PRMethod = iota
	PRTTL           // 生存期
	PRRtx           // 最大重传次数
	PRPrio          // 发送缓冲满时丢弃最低优先级
)

func (m PRMethod) String() string {
	switch m {
	case PRNone:
		return "none"
	case PRTTL:
		return "ttl"
	case PRRtx:
		return "rtx"
	case PRPrio:
		return "prio"
	default:
		return fmt.Sprintf("pr(%d)", uint8(m))
	}
}

// ResetKind 流重置类型
type ResetKind uint8

const (
	ResetOutgoing ResetKind = iota
	ResetIncoming
	ResetBoth
	ResetSSNTSN
)

func (k ResetKind) String() string {
	switch k {
	case ResetOutgoing:
		return "outgoing"
	case ResetIncoming:
		return "incoming"
	case ResetBoth:
		return "both"
	case ResetSSNTSN:
		return "ssn_tsn"
	default:
		return fmt.Sprintf("reset(%d)", uint8(k))
	}
}

// SendOptions 单条消息的发送选项
type SendOptions struct {
	Unordered bool
	PPID      uint32
	Immediate bool

	PR                 PRMethod
	Lifetime           time.Duration // PRTTL
	MaxRetransmissions int           // PRRtx
	Priority           int           // PRPrio, 数值越大越重要
}

// Config 偶联参数
//
// 进程级默认值在启动后只读, 每个偶联持有自己的副本。
type Config struct {
	LocalPort uint16
	PeerPort  uint16

	RTO congestion.RTOConfig

	MaxInitRetrans    int
	MaxInitRTO        time.Duration
	AssocMaxRetrans   int
	PathMaxRetrans    int
	HeartbeatInterval time.Duration
	HeartbeatsEnabled bool

	SackDelay     time.Duration
	SackFrequency int
	ARwnd         uint32
	SWSLimit      uint32

	OutboundStreams uint16
	InboundStreams  uint16
	MaxMessageSize  int

	Nagle            bool
	CMT              bool
	Variant          congestion.Variant
	RtxPolicy        RtxPolicy
	Scheduler        SchedulerKind
	StrictBooking    bool
	OverbookMTUs     int
	BufferSplitting  bool
	BufferSplitPaths int
	FastRtxThreshold int
	HTNA             bool
	FastRecovery     bool
	DisableReneging  bool
	MaxBurst         int
	InitialWindow    uint32
	CheckSackSeq     bool
	SendQueueLimit   int

	ShutdownGuard  time.Duration
	CookieLifetime time.Duration

	ForwardTSN bool
	ReConfig   bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		RTO:               congestion.DefaultRTOConfig(),
		MaxInitRetrans:    DefaultMaxInitRetrans,
		MaxInitRTO:        DefaultMaxInitRTO,
		AssocMaxRetrans:   DefaultAssocMaxRetrans,
		PathMaxRetrans:    DefaultPathMaxRetrans,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatsEnabled: true,
		SackDelay:         DefaultSackDelay,
		SackFrequency:     DefaultSackFrequency,
		ARwnd:             DefaultARwnd,
		OutboundStreams:   DefaultStreams,
		InboundStreams:    DefaultStreams,
		MaxMessageSize:    1 << 20,
		Nagle:             false,
		CMT:               false,
		Variant:           congestion.VariantCMT,
		RtxPolicy:         RtxRoundRobin,
		Scheduler:         SchedFCFS,
		OverbookMTUs:      1,
		FastRtxThreshold:  DefaultFastRtxThreshold,
		FastRecovery:      true,
		MaxBurst:          DefaultMaxBurst,
		CheckSackSeq:      true,
		SendQueueLimit:    DefaultSendQueueLimit,
		ShutdownGuard:     DefaultShutdownGuard,
		CookieLifetime:    DefaultCookieLifetime,
		ForwardTSN:        true,
		ReConfig:          true,
	}
}

// normalize 把零值字段补成默认值
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.RTO.Initial == 0 {
		c.RTO = d.RTO
	}
	if c.MaxInitRetrans <= 0 {
		c.MaxInitRetrans = d.MaxInitRetrans
	}
	if c.MaxInitRTO <= 0 {
		c.MaxInitRTO = d.MaxInitRTO
	}
	if c.AssocMaxRetrans <= 0 {
		c.AssocMaxRetrans = d.AssocMaxRetrans
	}
	if c.PathMaxRetrans <= 0 {
		c.PathMaxRetrans = d.PathMaxRetrans
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SackDelay <= 0 {
		c.SackDelay = d.SackDelay
	}
	if c.SackFrequency <= 0 {
		c.SackFrequency = d.SackFrequency
	}
	if c.ARwnd == 0 {
		c.ARwnd = d.ARwnd
	}
	if c.OutboundStreams == 0 {
		c.OutboundStreams = d.OutboundStreams
	}
	if c.InboundStreams == 0 {
		c.InboundStreams = d.InboundStreams
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.FastRtxThreshold <= 0 {
		c.FastRtxThreshold = d.FastRtxThreshold
	}
	if c.OverbookMTUs < 0 {
		c.OverbookMTUs = 0
	}
	if c.ShutdownGuard <= 0 {
		c.ShutdownGuard = d.ShutdownGuard
	}
	if c.CookieLifetime <= 0 {
		c.CookieLifetime = d.CookieLifetime
	}
}
