// =============================================================================
// 文件: internal/seqnum/seqnum.go
// 描述: TSN (32 位) 与 SSN (16 位) 序列号空间的回绕安全运算
// =============================================================================

// Package seqnum 实现 TSN/SSN 的模运算比较。
//
// 所有比较都按照 RFC 1982 串行数算术进行: a < b 当且仅当
// (b - a) 在模空间内小于半个空间。恰好相差半个空间时结果未定义,
// 这里与 int32 截断保持一致。
package seqnum

// TSN 传输序列号
type TSN uint32

// SSN 流序列号
type SSN uint16

// Less a 在 b 之前
func (a TSN) Less(b TSN) bool { return int32(a-b) < 0 }

// LessEq a 等于 b 或在 b 之前
func (a TSN) LessEq(b TSN) bool { return a == b || a.Less(b) }

// Greater a 在 b 之后
func (a TSN) Greater(b TSN) bool { return int32(a-b) > 0 }

// GreaterEq a 等于 b 或在 b 之后
func (a TSN) GreaterEq(b TSN) bool { return a == b || a.Greater(b) }

// Add 前进 n 个序号
func (a TSN) Add(n uint32) TSN { return a + TSN(n) }

// Sub 后退 n 个序号
func (a TSN) Sub(n uint32) TSN { return a - TSN(n) }

// Next 下一个序号
func (a TSN) Next() TSN { return a + 1 }

// Prev 上一个序号
func (a TSN) Prev() TSN { return a - 1 }

// Distance 从 a 到 b 需要前进的步数 (模 2^32)
func (a TSN) Distance(b TSN) uint32 { return uint32(b - a) }

// InRange 判断 a 是否位于闭区间 [lo, hi]
func (a TSN) InRange(lo, hi TSN) bool { return lo.LessEq(a) && a.LessEq(hi) }

// MaxTSN 返回两个序号中较新的一个
func MaxTSN(a, b TSN) TSN {
	if a.Less(b) {
		return b
	}
	return a
}

// MinTSN 返回两个序号中较旧的一个
func MinTSN(a, b TSN) TSN {
	if a.Less(b) {
		return a
	}
	return b
}

// Less a 在 b 之前
func (a SSN) Less(b SSN) bool { return int16(a-b) < 0 }

// LessEq a 等于 b 或在 b 之前
func (a SSN) LessEq(b SSN) bool { return a == b || a.Less(b) }

// Greater a 在 b 之后
func (a SSN) Greater(b SSN) bool { return int16(a-b) > 0 }

// GreaterEq a 等于 b 或在 b 之后
func (a SSN) GreaterEq(b SSN) bool { return a == b || a.Greater(b) }

// Next 下一个流序号
func (a SSN) Next() SSN { return a + 1 }

// Add 前进 n 个流序号
func (a SSN) Add(n uint16) SSN { return a + SSN(n) }
