// =============================================================================
// 文件: internal/sctp/ledger.go
// 描述: 重传账本 - 持有全部在途数据单元 (arena + 句柄)
// =============================================================================
package sctp

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

type unitID int32

const noUnit unitID = -1

// dataUnit 一个分配了 TSN 的消息分片
//
// 任一时刻只属于一个位置: 流发送队列, 账本, 或已释放。
// outstanding 为真时其 booksize 恰好计入 lastPath 的在途字节与偶联在途字节。
type dataUnit struct {
	tsn       seqnum.TSN
	stream    uint16
	ssn       seqnum.SSN
	ppid      uint32
	unordered bool
	begin     bool
	end       bool
	immediate bool
	payload   []byte
	booksize  uint32
	msgID     uint64

	pr       PRMethod
	expiry   time.Time
	maxRtx   int
	priority int

	lastPath PathID
	nextPath PathID
	sendTime time.Time

	transmissions   int
	retransmissions int
	gapReports      int

	outstanding        bool
	acked              bool
	inRtxQueue         bool
	fastRetransmitted  bool
	timerRetransmitted bool
	moved              bool
	reneged            bool
	abandoned          bool
	live               bool
}

func (u *dataUnit) chunk() *Data {
	return &Data{
		TSN:       u.tsn,
		Stream:    u.stream,
		SSN:       u.ssn,
		PPID:      u.ppid,
		Unordered: u.unordered,
		Begin:     u.begin,
		End:       u.end,
		Immediate: u.immediate,
		Payload:   u.payload,
	}
}

// wireLen DATA 块在包内占用的字节
func (u *dataUnit) wireLen() int { return padded(DataChunkHeaderLen + len(u.payload)) }

// ledger 重传账本
type ledger struct {
	arena []dataUnit
	free  []unitID
	byTSN map[seqnum.TSN]unitID

	// [floor, next) 覆盖所有可能在账本中的 TSN
	floor seqnum.TSN
	next  seqnum.TSN

	outstanding     uint32
	pathOutstanding []uint32
	pathQueued      []uint32
	queuedTotal     uint32

	// 重传队列, 按 TSN 排序
	rtx []unitID
}

func newLedger(initialTSN seqnum.TSN) *ledger {
	return &ledger{
		byTSN: make(map[seqnum.TSN]unitID),
		floor: initialTSN,
		next:  initialTSN,
	}
}

// addPath 为新路径分配计数器
func (l *ledger) addPath() {
	l.pathOutstanding = append(l.pathOutstanding, 0)
	l.pathQueued = append(l.pathQueued, 0)
}

func (l *ledger) alloc() unitID {
	if n := len(l.free); n > 0 {
		id := l.free[n-1]
		l.free = l.free[:n-1]
		l.arena[id] = dataUnit{live: true, lastPath: NoPath, nextPath: NoPath}
		return id
	}
	l.arena = append(l.arena, dataUnit{live: true, lastPath: NoPath, nextPath: NoPath})
	return unitID(len(l.arena) - 1)
}

func (l *ledger) release(id unitID) {
	l.arena[id] = dataUnit{}
	l.free = append(l.free, id)
}

func (l *ledger) unit(id unitID) *dataUnit { return &l.arena[id] }

func (l *ledger) find(tsn seqnum.TSN) (unitID, bool) {
	id, ok := l.byTSN[tsn]
	return id, ok
}

func (l *ledger) len() int { return len(l.byTSN) }

func (l *ledger) empty() bool { return len(l.byTSN) == 0 }

// insert 新发送的单元进入账本并计为在途
func (l *ledger) insert(id unitID) error {
	u := l.unit(id)
	if _, dup := l.byTSN[u.tsn]; dup {
		return errors.Errorf("TSN %d 已在账本中", u.tsn)
	}
	if u.lastPath == NoPath {
		return errors.Errorf("TSN %d 没有目的路径", u.tsn)
	}
	l.byTSN[u.tsn] = id
	if l.next.LessEq(u.tsn) {
		l.next = u.tsn.Next()
	}
	l.markOutstanding(id)
	return nil
}

func (l *ledger) markOutstanding(id unitID) {
	u := l.unit(id)
	if u.outstanding {
		return
	}
	u.outstanding = true
	l.pathOutstanding[u.lastPath] += u.booksize
	l.outstanding += u.booksize
}

func (l *ledger) clearOutstanding(id unitID) {
	u := l.unit(id)
	if !u.outstanding {
		return
	}
	u.outstanding = false
	l.pathOutstanding[u.lastPath] -= u.booksize
	l.outstanding -= u.booksize
}

// setLastPath 重传前更换在途归属
func (l *ledger) setLastPath(id unitID, p PathID) {
	u := l.unit(id)
	if u.outstanding {
		l.clearOutstanding(id)
		u.lastPath = p
		l.markOutstanding(id)
		return
	}
	u.lastPath = p
}

func (l *ledger) outstandingOn(p PathID) uint32 { return l.pathOutstanding[p] }

func (l *ledger) queuedOn(p PathID) uint32 { return l.pathQueued[p] }

// walk 按 TSN 顺序访问 [from, to] 中存在的单元, fn 返回 false 时停止
func (l *ledger) walk(from, to seqnum.TSN, fn func(id unitID) bool) {
	if from.Less(l.floor) {
		from = l.floor
	}
	last := l.next.Prev()
	if to.Greater(last) {
		to = last
	}
	for t := from; t.LessEq(to); t = t.Next() {
		if id, ok := l.byTSN[t]; ok {
			if !fn(id) {
				return
			}
		}
		if t == to {
			return
		}
	}
}

// acknowledgeThrough 不可撤销地移除 TSN ≤ tsn 的全部单元
//
// visit 在单元释放前调用, 用于 RTT 采样与新确认字节统计。
func (l *ledger) acknowledgeThrough(tsn seqnum.TSN, visit func(u *dataUnit)) {
	if tsn.Less(l.floor) {
		return
	}
	l.walk(l.floor, tsn, func(id unitID) bool {
		if visit != nil {
			visit(l.unit(id))
		}
		l.remove(id)
		return true
	})
	if l.floor.LessEq(tsn) {
		l.floor = tsn.Next()
	}
	if l.next.Less(l.floor) {
		l.next = l.floor
	}
}

// remove 从账本中删除单元并释放
func (l *ledger) remove(id unitID) {
	u := l.unit(id)
	l.clearOutstanding(id)
	l.dequeueRetransmission(id)
	delete(l.byTSN, u.tsn)
	l.release(id)
}

// ack 可撤销确认 (gap block); 首次确认返回 true
func (l *ledger) ack(id unitID) bool {
	u := l.unit(id)
	if u.acked {
		return false
	}
	u.acked = true
	u.gapReports = 0
	l.clearOutstanding(id)
	l.dequeueRetransmission(id)
	return true
}

// reneg 撤销此前的 gap 确认, 单元重新计为在途
func (l *ledger) reneg(id unitID) {
	u := l.unit(id)
	if !u.acked {
		return
	}
	u.acked = false
	u.reneged = true
	u.gapReports = 1
	l.markOutstanding(id)
}

// abandon 放弃单元: 不再在途也不再重传, 等待累计确认或 FORWARD-TSN 越过
func (l *ledger) abandon(id unitID) {
	u := l.unit(id)
	u.abandoned = true
	l.clearOutstanding(id)
	l.dequeueRetransmission(id)
}

// hasUnackedOnStream 流上是否还有未确认的单元
func (l *ledger) hasUnackedOnStream(stream uint16) bool {
	for _, id := range l.byTSN {
		u := l.unit(id)
		if u.stream == stream && !u.acked && !u.abandoned {
			return true
		}
	}
	return false
}

// queueRetransmission 放入重传队列, next 为重传目的路径
func (l *ledger) queueRetransmission(id unitID, next PathID) bool {
	u := l.unit(id)
	if u.inRtxQueue {
		return false
	}
	u.inRtxQueue = true
	u.nextPath = next
	l.pathQueued[next] += u.booksize
	l.queuedTotal += u.booksize
	i := sort.Search(len(l.rtx), func(i int) bool {
		return l.unit(l.rtx[i]).tsn.Greater(u.tsn)
	})
	l.rtx = append(l.rtx, noUnit)
	copy(l.rtx[i+1:], l.rtx[i:])
	l.rtx[i] = id
	return true
}

func (l *ledger) dequeueRetransmission(id unitID) {
	u := l.unit(id)
	if !u.inRtxQueue {
		return
	}
	u.inRtxQueue = false
	l.pathQueued[u.nextPath] -= u.booksize
	l.queuedTotal -= u.booksize
	for i, v := range l.rtx {
		if v == id {
			l.rtx = append(l.rtx[:i], l.rtx[i+1:]...)
			break
		}
	}
}

// nextRetransmission 该路径上第一个能放进 space 且 booksize ≤ allowance 的重传单元
func (l *ledger) nextRetransmission(p PathID, space int, allowance int64) (unitID, bool) {
	for _, id := range l.rtx {
		u := l.unit(id)
		if u.nextPath != p || u.acked {
			continue
		}
		if u.wireLen() <= space && int64(u.booksize) <= allowance {
			return id, true
		}
		return noUnit, false
	}
	return noUnit, false
}

// highestOutstandingOn 路径上最高的在途 TSN
func (l *ledger) highestOutstandingOn(p PathID) (seqnum.TSN, bool) {
	var hi seqnum.TSN
	found := false
	l.walk(l.floor, l.next.Prev(), func(id unitID) bool {
		u := l.unit(id)
		if u.outstanding && u.lastPath == p {
			hi, found = u.tsn, true
		}
		return true
	})
	return hi, found
}

// lowestUnacked 账本中最低的未确认 TSN
func (l *ledger) lowestUnacked() (unitID, bool) {
	res := noUnit
	l.walk(l.floor, l.next.Prev(), func(id unitID) bool {
		if !l.unit(id).acked {
			res = id
			return false
		}
		return true
	})
	return res, res != noUnit
}

// checkConservation 校验在途字节守恒
func (l *ledger) checkConservation() error {
	var sum uint32
	perPath := make([]uint32, len(l.pathOutstanding))
	var queued uint32
	perQueued := make([]uint32, len(l.pathQueued))
	for _, id := range l.byTSN {
		u := l.unit(id)
		if u.outstanding {
			sum += u.booksize
			perPath[u.lastPath] += u.booksize
		}
		if u.inRtxQueue {
			queued += u.booksize
			perQueued[u.nextPath] += u.booksize
		}
		if u.outstanding && u.acked {
			return errors.Errorf("TSN %d 已确认却仍计为在途", u.tsn)
		}
	}
	var pathSum uint32
	for i, v := range l.pathOutstanding {
		pathSum += v
		if v != perPath[i] {
			return errors.Errorf("路径 %d 在途字节 %d, 单元合计 %d", i, v, perPath[i])
		}
		if l.pathQueued[i] != perQueued[i] {
			return errors.Errorf("路径 %d 重传队列字节 %d, 单元合计 %d", i, l.pathQueued[i], perQueued[i])
		}
	}
	if sum != l.outstanding || pathSum != l.outstanding {
		return errors.Errorf("在途字节不守恒: 单元 %d 路径 %d 偶联 %d", sum, pathSum, l.outstanding)
	}
	if queued != l.queuedTotal {
		return errors.Errorf("重传队列字节不守恒: %d != %d", queued, l.queuedTotal)
	}
	return nil
}
