package seqnum

import (
	"math"
	"testing"
)

func TestTSNOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b TSN
		less bool
	}{
		{"普通", 10, 11, true},
		{"相等", 7, 7, false},
		{"逆序", 12, 11, false},
		{"回绕", math.MaxUint32, 0, true},
		{"回绕逆序", 0, math.MaxUint32, false},
		{"半空间以内", 0, 1<<31 - 1, true},
		{"跨越回绕的远距离", 1<<31 + 5, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.less {
				t.Errorf("%d.Less(%d) = %v, want %v", tt.a, tt.b, got, tt.less)
			}
			if tt.a != tt.b && tt.b.Greater(tt.a) != tt.less {
				t.Errorf("%d.Greater(%d) 与 Less 不一致", tt.b, tt.a)
			}
		})
	}
}

func TestTSNHalfSpace(t *testing.T) {
	for _, base := range []TSN{0, 1, 1000, 1 << 31, math.MaxUint32 - 3} {
		if !base.Less(base.Add(1<<31 - 1)) {
			t.Errorf("%d 应在 %d 之前", base, base.Add(1<<31-1))
		}
		if !base.Add(1).Greater(base) {
			t.Errorf("%d+1 应在 %d 之后", base, base)
		}
	}
}

func TestTSNRoundTrip(t *testing.T) {
	for _, v := range []TSN{0, 1, 5000, math.MaxUint32, math.MaxUint32 - 1} {
		if v.Next().Prev() != v {
			t.Errorf("Next/Prev 往返失败: %d", v)
		}
		if v.Add(17).Sub(17) != v {
			t.Errorf("Add/Sub 往返失败: %d", v)
		}
		if v.Distance(v.Add(42)) != 42 {
			t.Errorf("Distance 错误: %d", v)
		}
	}
}

func TestTSNInRange(t *testing.T) {
	lo, hi := TSN(math.MaxUint32-1), TSN(2)
	for _, v := range []TSN{math.MaxUint32 - 1, math.MaxUint32, 0, 1, 2} {
		if !v.InRange(lo, hi) {
			t.Errorf("%d 应位于 [%d,%d]", v, lo, hi)
		}
	}
	if TSN(3).InRange(lo, hi) {
		t.Error("3 不应位于区间内")
	}
	if MaxTSN(lo, hi) != hi || MinTSN(lo, hi) != lo {
		t.Error("MaxTSN/MinTSN 未考虑回绕")
	}
}

func TestSSNOrdering(t *testing.T) {
	if !SSN(math.MaxUint16).Less(0) {
		t.Error("SSN 回绕比较错误")
	}
	if !SSN(5).Greater(4) || SSN(5).Greater(5) {
		t.Error("SSN Greater 错误")
	}
	if SSN(math.MaxUint16).Next() != 0 {
		t.Error("SSN Next 未回绕")
	}
	if !SSN(3).LessEq(3) || !SSN(3).GreaterEq(2) {
		t.Error("SSN LessEq/GreaterEq 错误")
	}
}

func BenchmarkTSNLess(b *testing.B) {
	a := TSN(math.MaxUint32 - 10)
	for i := 0; i < b.N; i++ {
		_ = a.Less(TSN(i))
	}
}
