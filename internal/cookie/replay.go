// =============================================================================
// 文件: internal/cookie/replay.go
// 描述: Cookie 防重放 (时间分片布隆过滤器, 按调用时间惰性轮转)
// =============================================================================
package cookie

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 布隆过滤器参数
	bloomExpectedItems = 10000
	bloomFalsePositive = 0.0001

	defaultSliceDuration = 10 * time.Second
)

// ReplayStats 统计信息
type ReplayStats struct {
	TotalChecks   uint64
	ReplayBlocked uint64
	Rotations     uint64
}

type timeSlice struct {
	bloom     *bloom.BloomFilter
	startTime time.Time
}

// ReplayGuard 在 cookie 有效期内拒绝重复的 nonce
//
// 时间片总跨度覆盖 cookie 有效期, 过期 cookie 由有效期检查拒绝。
// 轮转由调用方传入的时间驱动, 不启动后台 goroutine。
type ReplayGuard struct {
	slices   []*timeSlice
	current  int
	sliceDur time.Duration

	mu    sync.Mutex
	stats ReplayStats
}

// NewReplayGuard 创建覆盖 window 时长的防重放保护器
func NewReplayGuard(window time.Duration, now time.Time) *ReplayGuard {
	if window <= 0 {
		window = DefaultLifetime
	}
	n := int(window/defaultSliceDuration) + 1
	rg := &ReplayGuard{
		slices:   make([]*timeSlice, n),
		sliceDur: defaultSliceDuration,
	}
	for i := range rg.slices {
		rg.slices[i] = newTimeSlice(now)
	}
	return rg
}

func newTimeSlice(start time.Time) *timeSlice {
	return &timeSlice{
		bloom:     bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive),
		startTime: start,
	}
}

// CheckAndAdd 新 nonce 返回 true 并记录, 重放返回 false
func (rg *ReplayGuard) CheckAndAdd(nonce []byte, now time.Time) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	rg.rotate(now)
	rg.stats.TotalChecks++

	for _, s := range rg.slices {
		if s.bloom.Test(nonce) {
			rg.stats.ReplayBlocked++
			return false
		}
	}
	rg.slices[rg.current].bloom.Add(nonce)
	return true
}

// rotate 当前时间片到期后依次清空最老的时间片
func (rg *ReplayGuard) rotate(now time.Time) {
	for i := 0; i < len(rg.slices); i++ {
		cur := rg.slices[rg.current]
		if now.Sub(cur.startTime) < rg.sliceDur {
			return
		}
		rg.current = (rg.current + 1) % len(rg.slices)
		rg.slices[rg.current] = newTimeSlice(cur.startTime.Add(rg.sliceDur))
		rg.stats.Rotations++
	}
	// 长时间空闲: 全部时间片已过期
	rg.slices[rg.current].startTime = now
}

// Stats 返回统计信息
func (rg *ReplayGuard) Stats() ReplayStats {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.stats
}
