// =============================================================================
// 文件: internal/congestion/types.go
// 描述: 拥塞控制类型定义 (每路径窗口 + CMT 耦合变体)
// =============================================================================
package congestion

import (
	"strings"
	"time"
)

// Variant 拥塞控制变体, 在偶联建立时选定一次
type Variant uint8

const (
	// VariantCMT 每条路径独立运行 RFC 4960 算法
	VariantCMT Variant = iota
	// VariantCMTRPv1 资源池化 v1: 按 ssthresh 占比增长
	VariantCMTRPv1
	// VariantCMTRPv2 资源池化 v2: 按带宽占比增长
	VariantCMTRPv2
	// VariantLIA MPTCP 耦合增长 (RFC 6356)
	VariantLIA
	// VariantOLIA 机会式耦合增长
	VariantOLIA
)

var variantNames = []string{"cmt", "cmtrpv1", "cmtrpv2", "lia", "olia"}

func (v Variant) String() string {
	if int(v) < len(variantNames) {
		return variantNames[v]
	}
	return "unknown"
}

// Coupled 是否需要全偶联的路径组信息
func (v Variant) Coupled() bool { return v != VariantCMT }

// ParseVariant 解析变体名称 (大小写不敏感)
func ParseVariant(s string) (Variant, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range variantNames {
		if name == s {
			return Variant(i), true
		}
	}
	return VariantCMT, false
}

// CongestionState 拥塞状态
type CongestionState int

const (
	StateSlowStart CongestionState = iota
	StateCongestionAvoidance
	StateRecovery
)

func (s CongestionState) String() string {
	switch s {
	case StateSlowStart:
		return "slow_start"
	case StateCongestionAvoidance:
		return "congestion_avoidance"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Params 窗口参数, 来自偶联配置
type Params struct {
	MTU           uint32  // 路径 MTU (字节)
	InitialWindow uint32  // 初始窗口 (MTU 个数), 0 表示 RFC 4960 默认值
	RPMinCwnd     uint32  // 资源池化变体的最小窗口 (MTU 个数)
	Paths         int     // 路径数量, 非 CMT 变体按路径数均分初始窗口
	Variant       Variant // 选定的变体
	Strict        bool    // 严格窗口预约
	DecreaseRatio float64 // 丢包时的减少比例, 0 表示 0.5
}

// Stats 单路径窗口统计
type Stats struct {
	Cwnd              uint32        `json:"cwnd"`
	Ssthresh          uint32        `json:"ssthresh"`
	PartialBytesAcked uint32        `json:"partial_bytes_acked"`
	State             string        `json:"state"`
	InRecovery        bool          `json:"in_recovery"`
	SmoothedRTT       time.Duration `json:"srtt"`
	RTTVariance       time.Duration `json:"rtt_var"`
	RTO               time.Duration `json:"rto"`
	Increases         uint64        `json:"increases"`
	Decreases         uint64        `json:"decreases"`
	Timeouts          uint64        `json:"timeouts"`
}
