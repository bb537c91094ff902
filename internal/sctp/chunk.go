// =============================================================================
// 文件: internal/sctp/chunk.go
// 描述: 结构化的块记录与数据包 (线路编码由 transport 包负责)
// =============================================================================
package sctp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

// 头部长度
const (
	CommonHeaderSize   = 12
	ChunkHeaderSize    = 4
	DataChunkHeaderLen = 16
	SackChunkHeaderLen = 16
	NRSackHeaderLen    = 20
)

// ChunkType 块类型
type ChunkType uint8

const (
	ChunkData             ChunkType = 0
	ChunkInit             ChunkType = 1
	ChunkInitAck          ChunkType = 2
	ChunkSack             ChunkType = 3
	ChunkHeartbeat        ChunkType = 4
	ChunkHeartbeatAck     ChunkType = 5
	ChunkAbort            ChunkType = 6
	ChunkShutdown         ChunkType = 7
	ChunkShutdownAck      ChunkType = 8
	ChunkError            ChunkType = 9
	ChunkCookieEcho       ChunkType = 10
	ChunkCookieAck        ChunkType = 11
	ChunkShutdownComplete ChunkType = 14
	ChunkNRSack           ChunkType = 16
	ChunkReConfig         ChunkType = 130
	ChunkForwardTSN       ChunkType = 192
)

func (t ChunkType) String() string {
	switch t {
	case ChunkData:
		return "DATA"
	case ChunkInit:
		return "INIT"
	case ChunkInitAck:
		return "INIT-ACK"
	case ChunkSack:
		return "SACK"
	case ChunkHeartbeat:
		return "HEARTBEAT"
	case ChunkHeartbeatAck:
		return "HEARTBEAT-ACK"
	case ChunkAbort:
		return "ABORT"
	case ChunkShutdown:
		return "SHUTDOWN"
	case ChunkShutdownAck:
		return "SHUTDOWN-ACK"
	case ChunkError:
		return "ERROR"
	case ChunkCookieEcho:
		return "COOKIE-ECHO"
	case ChunkCookieAck:
		return "COOKIE-ACK"
	case ChunkShutdownComplete:
		return "SHUTDOWN-COMPLETE"
	case ChunkNRSack:
		return "NR-SACK"
	case ChunkReConfig:
		return "RE-CONFIG"
	case ChunkForwardTSN:
		return "FORWARD-TSN"
	default:
		return fmt.Sprintf("CHUNK(%d)", uint8(t))
	}
}

// Chunk 结构化块记录
type Chunk interface {
	Type() ChunkType
	// Len 编码后的长度 (含 4 字节对齐填充)
	Len() int
}

// Packet 一个 SCTP 数据包
type Packet struct {
	SrcPort         uint16
	DstPort         uint16
	VerificationTag uint32
	Chunks          []Chunk
}

// Len 编码后的总长度
func (p *Packet) Len() int {
	n := CommonHeaderSize
	for _, c := range p.Chunks {
		n += c.Len()
	}
	return n
}

func padded(n int) int { return (n + 3) &^ 3 }

// addrParamLen 地址参数: IPv4 8 字节, IPv6 20 字节, 另带 2 字节端口扩展
func addrParamLen(a netip.AddrPort) int {
	if a.Addr().Is4() {
		return 8 + 4
	}
	return 20 + 4
}

// ----------------------------------------------------------------------------
// 握手
// ----------------------------------------------------------------------------

// Init INIT 块
type Init struct {
	InitiateTag     uint32
	ARwnd           uint32
	OutboundStreams uint16
	InboundStreams  uint16
	InitialTSN      seqnum.TSN
	Addresses       []netip.AddrPort
	ForwardTSN      bool // 支持 PR-SCTP
	ReConfig        bool // 支持流重置
}

func (*Init) Type() ChunkType { return ChunkInit }

func (c *Init) Len() int {
	n := 20
	for _, a := range c.Addresses {
		n += addrParamLen(a)
	}
	if c.ForwardTSN {
		n += 4
	}
	if c.ReConfig || c.ForwardTSN {
		n += padded(4 + 2)
	}
	return n
}

// InitAck INIT-ACK 块
type InitAck struct {
	Init
	Cookie []byte
}

func (*InitAck) Type() ChunkType { return ChunkInitAck }

func (c *InitAck) Len() int { return c.Init.Len() + padded(4+len(c.Cookie)) }

// CookieEcho COOKIE-ECHO 块
type CookieEcho struct {
	Cookie []byte
}

func (*CookieEcho) Type() ChunkType { return ChunkCookieEcho }
func (c *CookieEcho) Len() int      { return padded(ChunkHeaderSize + len(c.Cookie)) }

// CookieAck COOKIE-ACK 块
type CookieAck struct{}

func (*CookieAck) Type() ChunkType { return ChunkCookieAck }
func (*CookieAck) Len() int        { return ChunkHeaderSize }

// ----------------------------------------------------------------------------
// 数据与确认
// ----------------------------------------------------------------------------

// Data DATA 块
type Data struct {
	TSN       seqnum.TSN
	Stream    uint16
	SSN       seqnum.SSN
	PPID      uint32
	Unordered bool
	Begin     bool
	End       bool
	Immediate bool
	Payload   []byte
}

func (*Data) Type() ChunkType { return ChunkData }
func (c *Data) Len() int      { return padded(DataChunkHeaderLen + len(c.Payload)) }

func (c *Data) String() string {
	return fmt.Sprintf("DATA(tsn=%d sid=%d ssn=%d len=%d B=%t E=%t U=%t)",
		c.TSN, c.Stream, c.SSN, len(c.Payload), c.Begin, c.End, c.Unordered)
}

// GapBlock 以绝对 TSN 表示的已接收区间 [Start, End]
type GapBlock struct {
	Start seqnum.TSN
	End   seqnum.TSN
}

// Sack SACK / NR-SACK 块
//
// Gaps 为可撤销区间, NRGaps 为不可撤销区间。Seq 非零时为单调递增的 SACK 序号。
type Sack struct {
	CumTSN seqnum.TSN
	ARwnd  uint32
	Gaps   []GapBlock
	NRGaps []GapBlock
	Dups   []seqnum.TSN
	Seq    uint32
}

func (c *Sack) Type() ChunkType {
	if len(c.NRGaps) > 0 {
		return ChunkNRSack
	}
	return ChunkSack
}

func (c *Sack) Len() int {
	n := SackChunkHeaderLen
	if len(c.NRGaps) > 0 {
		n = NRSackHeaderLen
	}
	n += 4*len(c.Gaps) + 4*len(c.NRGaps) + 4*len(c.Dups)
	if c.Seq != 0 {
		n += 4
	}
	return n
}

// HighestReported 所有区间中最高的 TSN
func (c *Sack) HighestReported() (seqnum.TSN, bool) {
	var hi seqnum.TSN
	found := false
	for _, set := range [][]GapBlock{c.Gaps, c.NRGaps} {
		if len(set) == 0 {
			continue
		}
		end := set[len(set)-1].End
		if !found || end.Greater(hi) {
			hi = end
			found = true
		}
	}
	return hi, found
}

// ----------------------------------------------------------------------------
// 心跳
// ----------------------------------------------------------------------------

// HeartbeatInfo 心跳信息, 原样回送
type HeartbeatInfo struct {
	Addr  netip.AddrPort
	Sent  time.Time
	Nonce uint64
}

func (h HeartbeatInfo) len() int { return padded(4 + 2 + 16 + 2 + 8 + 8) }

// Heartbeat HEARTBEAT 块
type Heartbeat struct {
	Info HeartbeatInfo
}

func (*Heartbeat) Type() ChunkType { return ChunkHeartbeat }
func (c *Heartbeat) Len() int      { return ChunkHeaderSize + c.Info.len() }

// HeartbeatAck HEARTBEAT-ACK 块
type HeartbeatAck struct {
	Info HeartbeatInfo
}

func (*HeartbeatAck) Type() ChunkType { return ChunkHeartbeatAck }
func (c *HeartbeatAck) Len() int      { return ChunkHeaderSize + c.Info.len() }

// ----------------------------------------------------------------------------
// 关闭与错误
// ----------------------------------------------------------------------------

// CauseCode 错误原因码
type CauseCode uint16

const (
	CauseInvalidStream     CauseCode = 1
	CauseMissingParam      CauseCode = 2
	CauseStaleCookie       CauseCode = 3
	CauseOutOfResource     CauseCode = 4
	CauseNoUserData        CauseCode = 9
	CauseUserAbort         CauseCode = 12
	CauseProtocolViolation CauseCode = 13
)

func (c CauseCode) String() string {
	switch c {
	case CauseInvalidStream:
		return "invalid-stream"
	case CauseMissingParam:
		return "missing-param"
	case CauseStaleCookie:
		return "stale-cookie"
	case CauseOutOfResource:
		return "out-of-resource"
	case CauseNoUserData:
		return "no-user-data"
	case CauseUserAbort:
		return "user-abort"
	case CauseProtocolViolation:
		return "protocol-violation"
	default:
		return fmt.Sprintf("cause(%d)", uint16(c))
	}
}

// ErrorCause 错误原因
type ErrorCause struct {
	Code      CauseCode
	Staleness time.Duration // 仅 stale-cookie
	Info      []byte
}

func (e ErrorCause) len() int {
	if e.Code == CauseStaleCookie {
		return 8
	}
	return padded(4 + len(e.Info))
}

func causesLen(causes []ErrorCause) int {
	n := 0
	for _, c := range causes {
		n += c.len()
	}
	return n
}

// Abort ABORT 块; TBit 表示使用对端标签的反射标签
type Abort struct {
	TBit   bool
	Causes []ErrorCause
}

func (*Abort) Type() ChunkType { return ChunkAbort }
func (c *Abort) Len() int      { return ChunkHeaderSize + causesLen(c.Causes) }

// ErrorChunk ERROR 块
type ErrorChunk struct {
	Causes []ErrorCause
}

func (*ErrorChunk) Type() ChunkType { return ChunkError }
func (c *ErrorChunk) Len() int      { return ChunkHeaderSize + causesLen(c.Causes) }

// Shutdown SHUTDOWN 块
type Shutdown struct {
	CumTSN seqnum.TSN
}

func (*Shutdown) Type() ChunkType { return ChunkShutdown }
func (*Shutdown) Len() int        { return 8 }

// ShutdownAck SHUTDOWN-ACK 块
type ShutdownAck struct{}

func (*ShutdownAck) Type() ChunkType { return ChunkShutdownAck }
func (*ShutdownAck) Len() int        { return ChunkHeaderSize }

// ShutdownComplete SHUTDOWN-COMPLETE 块
type ShutdownComplete struct {
	TBit bool
}

func (*ShutdownComplete) Type() ChunkType { return ChunkShutdownComplete }
func (*ShutdownComplete) Len() int        { return ChunkHeaderSize }

// ----------------------------------------------------------------------------
// PR-SCTP 与流重置
// ----------------------------------------------------------------------------

// StreamSkip FORWARD-TSN 中的流跳过项
type StreamSkip struct {
	Stream uint16
	SSN    seqnum.SSN
}

// ForwardTSN FORWARD-TSN 块
type ForwardTSN struct {
	NewCumTSN seqnum.TSN
	Streams   []StreamSkip
}

func (*ForwardTSN) Type() ChunkType { return ChunkForwardTSN }
func (c *ForwardTSN) Len() int      { return 8 + 4*len(c.Streams) }

// ReconfigResult 重置结果码 (RFC 6525 §4.4)
type ReconfigResult uint32

const (
	ResultSuccessNop       ReconfigResult = 0
	ResultSuccessPerformed ReconfigResult = 1
	ResultDenied           ReconfigResult = 2
	ResultErrorWrongSSN    ReconfigResult = 3
	ResultErrorInProgress  ReconfigResult = 4
	ResultErrorBadSeq      ReconfigResult = 5
	ResultInProgress       ReconfigResult = 6
)

func (r ReconfigResult) String() string {
	switch r {
	case ResultSuccessNop:
		return "success-nop"
	case ResultSuccessPerformed:
		return "success-performed"
	case ResultDenied:
		return "denied"
	case ResultErrorWrongSSN:
		return "error-wrong-ssn"
	case ResultErrorInProgress:
		return "error-request-in-progress"
	case ResultErrorBadSeq:
		return "error-bad-sequence-number"
	case ResultInProgress:
		return "in-progress"
	default:
		return fmt.Sprintf("result(%d)", uint32(r))
	}
}

// ReconfigParam RE-CONFIG 参数
type ReconfigParam interface {
	paramLen() int
}

// OutgoingResetRequest 发送方重置自己的出向流
type OutgoingResetRequest struct {
	ReqSeq  uint32
	RespSeq uint32
	LastTSN seqnum.TSN
	Streams []uint16
}

func (p *OutgoingResetRequest) paramLen() int { return padded(16 + 2*len(p.Streams)) }

// IncomingResetRequest 请求对端重置其出向流
type IncomingResetRequest struct {
	ReqSeq  uint32
	Streams []uint16
}

func (p *IncomingResetRequest) paramLen() int { return padded(8 + 2*len(p.Streams)) }

// SSNTSNResetRequest 重置全部 SSN 与 TSN
type SSNTSNResetRequest struct {
	ReqSeq uint32
}

func (*SSNTSNResetRequest) paramLen() int { return 8 }

// ReconfigResponse 重置响应
type ReconfigResponse struct {
	RespSeq         uint32
	Result          ReconfigResult
	HasTSN          bool
	SenderNextTSN   seqnum.TSN
	ReceiverNextTSN seqnum.TSN
}

func (p *ReconfigResponse) paramLen() int {
	if p.HasTSN {
		return 20
	}
	return 12
}

// ReConfig RE-CONFIG 块
type ReConfig struct {
	Params []ReconfigParam
}

func (*ReConfig) Type() ChunkType { return ChunkReConfig }

func (c *ReConfig) Len() int {
	n := ChunkHeaderSize
	for _, p := range c.Params {
		n += p.paramLen()
	}
	return n
}
