// =============================================================================
// 文件: internal/sctp/stream.go
// 描述: 出向流队列与流调度器 (FCFS / RR / RRP / PRIORITY / FAIR_BANDWIDTH)
// =============================================================================
package sctp

import (
	"time"

	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

type outMessage struct {
	id      uint64
	stream  uint16
	data    []byte
	offset  int
	opts    SendOptions
	expiry  time.Time
	ssn     seqnum.SSN
	started bool
}

func (m *outMessage) remaining() int { return len(m.data) - m.offset }

type outStream struct {
	id        uint16
	nextSSN   seqnum.SSN
	queue     []*outMessage
	priority  int
	sentBytes uint64
	// 出向重置等待中: 编号不小于 blockedFrom 的消息暂不发送
	blocked     bool
	blockedFrom uint64
}

// outbound 尚未分配 TSN 的消息
type outbound struct {
	kind    SchedulerKind
	streams []*outStream
	queued  int
	limit   int
	full    bool

	// 正在分片的消息; 同一消息的分片必须占用连续 TSN
	current *outMessage
	cursor  int
	// ROUND_ROBIN_PACKET: 本包锁定的流, -1 表示未锁定
	packetStream int
}

func newOutbound(kind SchedulerKind, streams uint16, limit int) *outbound {
	o := &outbound{kind: kind, limit: limit, packetStream: -1}
	o.resize(streams)
	return o
}

// resize 调整流数量, 返回被丢弃的排队消息
func (o *outbound) resize(n uint16) []*outMessage {
	var dropped []*outMessage
	if int(n) < len(o.streams) {
		for _, s := range o.streams[n:] {
			for _, m := range s.queue {
				o.queued -= m.remaining()
				dropped = append(dropped, m)
			}
		}
		o.streams = o.streams[:n]
		if o.current != nil && int(o.current.stream) >= int(n) {
			o.current = nil
		}
		return dropped
	}
	for i := len(o.streams); i < int(n); i++ {
		o.streams = append(o.streams, &outStream{id: uint16(i)})
	}
	return nil
}

func (o *outbound) push(m *outMessage) {
	s := o.streams[m.stream]
	s.queue = append(s.queue, m)
	o.queued += len(m.data)
}

func (o *outbound) empty() bool { return o.queued == 0 }

// remove 从流队列中删除消息
func (o *outbound) remove(m *outMessage) {
	s := o.streams[m.stream]
	for i, v := range s.queue {
		if v == m {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			o.queued -= m.remaining()
			break
		}
	}
	if o.current == m {
		o.current = nil
	}
}

// findMessage 按编号查找排队中的消息
func (o *outbound) findMessage(id uint64) *outMessage {
	if o.current != nil && o.current.id == id {
		return o.current
	}
	for _, s := range o.streams {
		for _, m := range s.queue {
			if m.id == id {
				return m
			}
		}
	}
	return nil
}

// lowestPriority 优先级低于 prio 的未开始 PR_PRIO 消息中最低者
func (o *outbound) lowestPriority(prio int) *outMessage {
	var victim *outMessage
	for _, s := range o.streams {
		for _, m := range s.queue {
			if m.started || m.opts.PR != PRPrio || m.opts.Priority >= prio {
				continue
			}
			if victim == nil || m.opts.Priority < victim.opts.Priority {
				victim = m
			}
		}
	}
	return victim
}

// expired 已过生存期且尚未开始发送的消息
func (o *outbound) expired(now time.Time) []*outMessage {
	var out []*outMessage
	for _, s := range o.streams {
		for _, m := range s.queue {
			if !m.started && m.opts.PR == PRTTL && !m.expiry.IsZero() && now.After(m.expiry) {
				out = append(out, m)
			}
		}
	}
	return out
}

// hasQueued 流上是否还有重置前排队、尚未发送完的消息
func (o *outbound) hasQueued(stream uint16) bool {
	if int(stream) >= len(o.streams) {
		return false
	}
	s := o.streams[stream]
	return len(s.queue) > 0 && (!s.blocked || s.queue[0].id < s.blockedFrom)
}

// selectStreams streams 为空时表示全部流
func (o *outbound) selectStreams(streams []uint16) []*outStream {
	if len(streams) == 0 {
		return o.streams
	}
	out := make([]*outStream, 0, len(streams))
	for _, id := range streams {
		if int(id) < len(o.streams) {
			out = append(out, o.streams[id])
		}
	}
	return out
}

// block 暂停发送编号不小于 from 的消息
func (o *outbound) block(streams []uint16, from uint64) {
	for _, s := range o.selectStreams(streams) {
		s.blocked = true
		s.blockedFrom = from
	}
}

func (o *outbound) unblock(streams []uint16) {
	for _, s := range o.selectStreams(streams) {
		s.blocked = false
	}
}

// resetSSN 流重置完成, 下一条有序消息从 SSN 0 开始
func (o *outbound) resetSSN(streams []uint16) {
	for _, s := range o.selectStreams(streams) {
		s.nextSSN = 0
	}
}

// beginPacket 新包开始, ROUND_ROBIN_PACKET 解除流锁定
func (o *outbound) beginPacket() { o.packetStream = -1 }

func (o *outbound) eligible(s *outStream) bool {
	return len(s.queue) > 0 && (!s.blocked || s.queue[0].id < s.blockedFrom)
}

// pick 按调度器选出下一条要分片的消息
func (o *outbound) pick() *outMessage {
	if o.current != nil {
		return o.current
	}
	var s *outStream
	switch o.kind {
	case SchedRoundRobin:
		s = o.nextRoundRobin()
	case SchedRoundRobinPacket:
		if o.packetStream >= 0 && o.packetStream < len(o.streams) && o.eligible(o.streams[o.packetStream]) {
			s = o.streams[o.packetStream]
		} else if o.packetStream < 0 {
			s = o.nextRoundRobin()
			if s != nil {
				o.packetStream = int(s.id)
			}
		}
	case SchedPriority:
		for _, c := range o.streams {
			if o.eligible(c) && (s == nil || c.priority > s.priority) {
				s = c
			}
		}
	case SchedFairBandwidth:
		for _, c := range o.streams {
			if o.eligible(c) && (s == nil || c.sentBytes < s.sentBytes) {
				s = c
			}
		}
	default:
		for _, c := range o.streams {
			if o.eligible(c) && (s == nil || c.queue[0].id < s.queue[0].id) {
				s = c
			}
		}
	}
	if s == nil {
		return nil
	}
	return s.queue[0]
}

func (o *outbound) nextRoundRobin() *outStream {
	n := len(o.streams)
	for i := 0; i < n; i++ {
		idx := (o.cursor + i) % n
		if o.eligible(o.streams[idx]) {
			o.cursor = (idx + 1) % n
			return o.streams[idx]
		}
	}
	return nil
}

// peekSize 下一个分片的负载长度, 没有可发送数据时为 0
func (o *outbound) peekSize(fragPoint int) int {
	m := o.pick()
	if m == nil {
		return 0
	}
	if r := m.remaining(); r < fragPoint {
		return r
	}
	return fragPoint
}

// fragment 从 m 切下至多 fragPoint 字节; SSN 在首个分片分配, 在末个分片递增
func (o *outbound) fragment(m *outMessage, fragPoint int) (payload []byte, ssn seqnum.SSN, begin, end bool) {
	s := o.streams[m.stream]
	n := m.remaining()
	if n > fragPoint {
		n = fragPoint
	}
	begin = m.offset == 0
	if begin {
		m.started = true
		if !m.opts.Unordered {
			m.ssn = s.nextSSN
		}
	}
	payload = m.data[m.offset : m.offset+n]
	m.offset += n
	o.queued -= n
	s.sentBytes += uint64(n)
	end = m.remaining() == 0
	if end {
		if !m.opts.Unordered {
			s.nextSSN = s.nextSSN.Next()
		}
		s.queue = s.queue[1:]
		o.current = nil
	} else {
		o.current = m
	}
	return payload, m.ssn, begin, end
}
