// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: 每路径 RTT 测量与 RTO 计算 (RFC 6298)
// =============================================================================
package congestion

import (
	"time"
)

const (
	// RTT 常量
	rttAlpha = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta  = 0.25  // RTT 方差因子 (1/4)

	DefaultRTOInitial = 3 * time.Second
	DefaultRTOMin     = 1 * time.Second
	DefaultRTOMax     = 60 * time.Second
)

// RTOConfig RTO 参数
type RTOConfig struct {
	Initial time.Duration
	Min     time.Duration
	Max     time.Duration
	Alpha   float64
	Beta    float64
	// OncePerRTT 每个往返最多采纳一个样本
	OncePerRTT bool
}

// DefaultRTOConfig 默认参数
func DefaultRTOConfig() RTOConfig {
	return RTOConfig{
		Initial:    DefaultRTOInitial,
		Min:        DefaultRTOMin,
		Max:        DefaultRTOMax,
		Alpha:      rttAlpha,
		Beta:       rttBeta,
		OncePerRTT: true,
	}
}

// RTOEstimator 单路径 RTO 估算器
//
// 由所属偶联的执行流独占, 不加锁。重传数据不得提供样本 (Karn 算法),
// 调用方负责过滤。
type RTOEstimator struct {
	cfg RTOConfig

	smoothedRTT time.Duration // SRTT
	rttVariance time.Duration // RTTVAR
	latestRTT   time.Duration
	minRTT      time.Duration
	rto         time.Duration

	nextUpdate   time.Time
	totalSamples uint64
	initialized  bool
}

// NewRTOEstimator 创建估算器
func NewRTOEstimator(cfg RTOConfig) *RTOEstimator {
	if cfg.Alpha <= 0 {
		cfg.Alpha = rttAlpha
	}
	if cfg.Beta <= 0 {
		cfg.Beta = rttBeta
	}
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultRTOInitial
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultRTOMax
	}
	r := &RTOEstimator{cfg: cfg}
	r.Reset()
	return r
}

// Update 采纳一个 RTT 样本, 返回样本是否被使用
func (r *RTOEstimator) Update(sample time.Duration, now time.Time) bool {
	if sample < 0 {
		return false
	}
	if r.cfg.OncePerRTT && r.initialized && now.Before(r.nextUpdate) {
		return false
	}

	r.latestRTT = sample
	r.totalSamples++
	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
	}

	if !r.initialized {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
	} else {
		// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
		diff := r.smoothedRTT - sample
		if diff < 0 {
			diff = -diff
		}
		r.rttVariance = time.Duration(
			float64(r.rttVariance)*(1-r.cfg.Beta) + float64(diff)*r.cfg.Beta,
		)
		// SRTT = (1 - alpha) * SRTT + alpha * R
		r.smoothedRTT = time.Duration(
			float64(r.smoothedRTT)*(1-r.cfg.Alpha) + float64(sample)*r.cfg.Alpha,
		)
	}

	r.rto = r.clamp(r.smoothedRTT + 4*r.rttVariance)
	r.nextUpdate = now.Add(r.smoothedRTT)
	return true
}

func (r *RTOEstimator) clamp(rto time.Duration) time.Duration {
	if rto < r.cfg.Min {
		rto = r.cfg.Min
	}
	if rto > r.cfg.Max {
		rto = r.cfg.Max
	}
	return rto
}

// Backoff 超时后 RTO 翻倍, 不超过上限
func (r *RTOEstimator) Backoff() time.Duration {
	r.rto *= 2
	if r.rto > r.cfg.Max {
		r.rto = r.cfg.Max
	}
	return r.rto
}

// RTO 当前重传超时
func (r *RTOEstimator) RTO() time.Duration { return r.rto }

// SRTT 平滑 RTT, 未初始化时为初始 RTO
func (r *RTOEstimator) SRTT() time.Duration { return r.smoothedRTT }

// RTTVar RTT 方差
func (r *RTOEstimator) RTTVar() time.Duration { return r.rttVariance }

// LatestRTT 最近样本
func (r *RTOEstimator) LatestRTT() time.Duration { return r.latestRTT }

// MinRTT 最小样本
func (r *RTOEstimator) MinRTT() time.Duration { return r.minRTT }

// Samples 已采纳样本数
func (r *RTOEstimator) Samples() uint64 { return r.totalSamples }

// IsInitialized 是否已有样本
func (r *RTOEstimator) IsInitialized() bool { return r.initialized }

// Reset 回到初始状态
func (r *RTOEstimator) Reset() {
	r.smoothedRTT = r.cfg.Initial
	r.rttVariance = 0
	r.latestRTT = 0
	r.minRTT = 0
	r.rto = r.cfg.Initial
	if r.rto > r.cfg.Max {
		r.rto = r.cfg.Max
	}
	r.nextUpdate = time.Time{}
	r.totalSamples = 0
	r.initialized = false
}

// GetStats 获取统计信息
func (r *RTOEstimator) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"srtt_ms":       r.smoothedRTT.Milliseconds(),
		"min_rtt_ms":    r.minRTT.Milliseconds(),
		"latest_rtt_ms": r.latestRTT.Milliseconds(),
		"rtt_var_ms":    r.rttVariance.Milliseconds(),
		"rto_ms":        r.rto.Milliseconds(),
		"total_samples": r.totalSamples,
		"initialized":   r.initialized,
	}
}
