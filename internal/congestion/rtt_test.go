package congestion

import (
	"testing"
	"time"
)

func TestRTOInitial(t *testing.T) {
	r := NewRTOEstimator(DefaultRTOConfig())
	if r.RTO() != 3*time.Second {
		t.Errorf("初始 RTO 错误: %v", r.RTO())
	}
	if r.IsInitialized() {
		t.Error("未采样时不应已初始化")
	}
}

func TestRTOFirstSample(t *testing.T) {
	cfg := DefaultRTOConfig()
	cfg.Min = 10 * time.Millisecond
	r := NewRTOEstimator(cfg)
	now := time.Unix(0, 0)
	if !r.Update(100*time.Millisecond, now) {
		t.Fatal("首个样本应被采纳")
	}
	if r.SRTT() != 100*time.Millisecond || r.RTTVar() != 50*time.Millisecond {
		t.Errorf("首个样本: srtt=%v rttvar=%v", r.SRTT(), r.RTTVar())
	}
	if r.RTO() != 300*time.Millisecond {
		t.Errorf("RTO = SRTT + 4*RTTVAR: got %v", r.RTO())
	}
}

func TestRTOSmoothing(t *testing.T) {
	cfg := DefaultRTOConfig()
	cfg.Min = time.Millisecond
	cfg.OncePerRTT = false
	r := NewRTOEstimator(cfg)
	now := time.Unix(0, 0)
	r.Update(100*time.Millisecond, now)
	r.Update(200*time.Millisecond, now)
	// RTTVAR = 0.75*50 + 0.25*100 = 62.5ms, SRTT = 0.875*100 + 0.125*200 = 112.5ms
	if r.RTTVar() != 62500*time.Microsecond {
		t.Errorf("RTTVAR 错误: %v", r.RTTVar())
	}
	if r.SRTT() != 112500*time.Microsecond {
		t.Errorf("SRTT 错误: %v", r.SRTT())
	}
}

func TestRTOOncePerRTT(t *testing.T) {
	cfg := DefaultRTOConfig()
	r := NewRTOEstimator(cfg)
	now := time.Unix(0, 0)
	r.Update(100*time.Millisecond, now)
	if r.Update(400*time.Millisecond, now.Add(50*time.Millisecond)) {
		t.Error("同一往返内第二个样本不应被采纳")
	}
	if !r.Update(400*time.Millisecond, now.Add(150*time.Millisecond)) {
		t.Error("下一个往返的样本应被采纳")
	}
}

func TestRTOBounds(t *testing.T) {
	cfg := DefaultRTOConfig()
	cfg.Max = 10 * time.Second
	r := NewRTOEstimator(cfg)
	r.Update(time.Millisecond, time.Unix(0, 0))
	if r.RTO() != time.Second {
		t.Errorf("RTO 应被限制在最小值: %v", r.RTO())
	}
	for i := 0; i < 10; i++ {
		r.Backoff()
	}
	if r.RTO() != 10*time.Second {
		t.Errorf("退避后 RTO 应被限制在最大值: %v", r.RTO())
	}
	r.Reset()
	if r.RTO() != 3*time.Second || r.Samples() != 0 {
		t.Error("Reset 未恢复初始值")
	}
}
