// =============================================================================
// 文件: internal/transport/codec.go
// 描述: 线路编解码 - sctp.Packet 与 UDP 负载互转, CRC32c 校验
// =============================================================================
package transport

import (
	"encoding/binary"
	"hash/crc32"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/cmtsctp/internal/sctp"
	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// 错误定义
var (
	ErrChecksum    = errors.New("校验和错误")
	ErrShortPacket = errors.New("数据包过短")
	ErrGapOverflow = errors.New("间隔块偏移超出 16 位")
)

// DATA 标志位
const (
	flagEnd       = 0x01
	flagBegin     = 0x02
	flagUnordered = 0x04
	flagImmediate = 0x08

	flagTBit    = 0x01
	flagSackSeq = 0x01
)

// 参数类型
const (
	paramHeartbeatInfo  = 1
	paramIPv4           = 5
	paramIPv6           = 6
	paramStateCookie    = 7
	paramSupportedExt   = 0x8008
	paramForwardTSN     = 0xC000
	paramOutgoingReset  = 13
	paramIncomingReset  = 14
	paramSSNTSNReset    = 15
	paramReconfigResult = 16
)

const heartbeatInfoLen = 40

// Codec 数据包编解码器, 无状态, 可并发使用
type Codec struct{}

// Checksum 计算数据包的 CRC32c (校验和字段按 0 参与计算)
func Checksum(b []byte) uint32 {
	var zero [4]byte
	crc := crc32.Update(0, crc32c, b[:8])
	crc = crc32.Update(crc, crc32c, zero[:])
	return crc32.Update(crc, crc32c, b[12:])
}

// ----------------------------------------------------------------------------
// 编码
// ----------------------------------------------------------------------------

type writer struct {
	b   []byte
	off int
}

func (w *writer) u8(v uint8) {
	w.b[w.off] = v
	w.off++
}

func (w *writer) u16(v uint16) {
	binary.BigEndian.PutUint16(w.b[w.off:], v)
	w.off += 2
}

func (w *writer) u32(v uint32) {
	binary.BigEndian.PutUint32(w.b[w.off:], v)
	w.off += 4
}

func (w *writer) u64(v uint64) {
	binary.BigEndian.PutUint64(w.b[w.off:], v)
	w.off += 8
}

func (w *writer) bytes(p []byte) {
	w.off += copy(w.b[w.off:], p)
}

// pad 补齐到 4 字节边界 (缓冲区已清零)
func (w *writer) pad() {
	w.off = (w.off + 3) &^ 3
}

// Encode 编码数据包
func (Codec) Encode(pkt *sctp.Packet) ([]byte, error) {
	total := pkt.Len()
	w := &writer{b: make([]byte, total)}
	w.u16(pkt.SrcPort)
	w.u16(pkt.DstPort)
	w.u32(pkt.VerificationTag)
	w.u32(0)

	for _, c := range pkt.Chunks {
		start := w.off
		if err := encodeChunk(w, c); err != nil {
			return nil, errors.Wrapf(err, "编码 %s", c.Type())
		}
		// 块长度字段不含末尾填充
		binary.BigEndian.PutUint16(w.b[start+2:], uint16(w.off-start))
		w.pad()
		if w.off-start != c.Len() {
			return nil, errors.Errorf("%s 编码长度 %d 与预期 %d 不符", c.Type(), w.off-start, c.Len())
		}
	}
	binary.LittleEndian.PutUint32(w.b[8:], Checksum(w.b))
	return w.b, nil
}

func chunkHeader(w *writer, t sctp.ChunkType, flags uint8) {
	w.u8(uint8(t))
	w.u8(flags)
	w.u16(0) // 由 Encode 回填
}

func encodeChunk(w *writer, c sctp.Chunk) error {
	switch ch := c.(type) {
	case *sctp.Data:
		var flags uint8
		if ch.End {
			flags |= flagEnd
		}
		if ch.Begin {
			flags |= flagBegin
		}
		if ch.Unordered {
			flags |= flagUnordered
		}
		if ch.Immediate {
			flags |= flagImmediate
		}
		chunkHeader(w, sctp.ChunkData, flags)
		w.u32(uint32(ch.TSN))
		w.u16(ch.Stream)
		w.u16(uint16(ch.SSN))
		w.u32(ch.PPID)
		w.bytes(ch.Payload)

	case *sctp.Init:
		chunkHeader(w, sctp.ChunkInit, 0)
		encodeInit(w, ch)

	case *sctp.InitAck:
		chunkHeader(w, sctp.ChunkInitAck, 0)
		encodeInit(w, &ch.Init)
		w.pad()
		w.u16(paramStateCookie)
		w.u16(uint16(4 + len(ch.Cookie)))
		w.bytes(ch.Cookie)

	case *sctp.CookieEcho:
		chunkHeader(w, sctp.ChunkCookieEcho, 0)
		w.bytes(ch.Cookie)

	case *sctp.CookieAck:
		chunkHeader(w, sctp.ChunkCookieAck, 0)

	case *sctp.Sack:
		return encodeSack(w, ch)

	case *sctp.Heartbeat:
		chunkHeader(w, sctp.ChunkHeartbeat, 0)
		encodeHeartbeatInfo(w, ch.Info)

	case *sctp.HeartbeatAck:
		chunkHeader(w, sctp.ChunkHeartbeatAck, 0)
		encodeHeartbeatInfo(w, ch.Info)

	case *sctp.Abort:
		var flags uint8
		if ch.TBit {
			flags = flagTBit
		}
		chunkHeader(w, sctp.ChunkAbort, flags)
		encodeCauses(w, ch.Causes)

	case *sctp.ErrorChunk:
		chunkHeader(w, sctp.ChunkError, 0)
		encodeCauses(w, ch.Causes)

	case *sctp.Shutdown:
		chunkHeader(w, sctp.ChunkShutdown, 0)
		w.u32(uint32(ch.CumTSN))

	case *sctp.ShutdownAck:
		chunkHeader(w, sctp.ChunkShutdownAck, 0)

	case *sctp.ShutdownComplete:
		var flags uint8
		if ch.TBit {
			flags = flagTBit
		}
		chunkHeader(w, sctp.ChunkShutdownComplete, flags)

	case *sctp.ForwardTSN:
		chunkHeader(w, sctp.ChunkForwardTSN, 0)
		w.u32(uint32(ch.NewCumTSN))
		for _, s := range ch.Streams {
			w.u16(s.Stream)
			w.u16(uint16(s.SSN))
		}

	case *sctp.ReConfig:
		chunkHeader(w, sctp.ChunkReConfig, 0)
		for i, p := range ch.Params {
			if i > 0 {
				w.pad()
			}
			if err := encodeReconfigParam(w, p); err != nil {
				return err
			}
		}

	default:
		return errors.Wrapf(sctp.ErrMalformed, "未知块类型 %T", c)
	}
	return nil
}

func encodeInit(w *writer, c *sctp.Init) {
	w.u32(c.InitiateTag)
	w.u32(c.ARwnd)
	w.u16(c.OutboundStreams)
	w.u16(c.InboundStreams)
	w.u32(uint32(c.InitialTSN))
	for _, a := range c.Addresses {
		w.pad()
		if a.Addr().Is4() {
			ip := a.Addr().As4()
			w.u16(paramIPv4)
			w.u16(10)
			w.bytes(ip[:])
		} else {
			ip := a.Addr().As16()
			w.u16(paramIPv6)
			w.u16(22)
			w.bytes(ip[:])
		}
		w.u16(a.Port())
	}
	if c.ForwardTSN {
		w.pad()
		w.u16(paramForwardTSN)
		w.u16(4)
	}
	if c.ReConfig || c.ForwardTSN {
		w.pad()
		var ext []byte
		if c.ReConfig {
			ext = append(ext, byte(sctp.ChunkReConfig))
		}
		if c.ForwardTSN {
			ext = append(ext, byte(sctp.ChunkForwardTSN))
		}
		w.u16(paramSupportedExt)
		w.u16(uint16(4 + len(ext)))
		w.bytes(ext)
	}
}

func gapOffset(cum, tsn seqnum.TSN) (uint16, error) {
	d := cum.Distance(tsn)
	if d == 0 || d > 0xFFFF {
		return 0, errors.Wrapf(ErrGapOverflow, "cum=%d tsn=%d", cum, tsn)
	}
	return uint16(d), nil
}

func encodeGaps(w *writer, cum seqnum.TSN, gaps []sctp.GapBlock) error {
	for _, g := range gaps {
		start, err := gapOffset(cum, g.Start)
		if err != nil {
			return err
		}
		end, err := gapOffset(cum, g.End)
		if err != nil {
			return err
		}
		w.u16(start)
		w.u16(end)
	}
	return nil
}

func encodeSack(w *writer, c *sctp.Sack) error {
	var flags uint8
	if c.Seq != 0 {
		flags |= flagSackSeq
	}
	nr := c.Type() == sctp.ChunkNRSack
	chunkHeader(w, c.Type(), flags)
	w.u32(uint32(c.CumTSN))
	w.u32(c.ARwnd)
	w.u16(uint16(len(c.Gaps)))
	if nr {
		w.u16(uint16(len(c.NRGaps)))
	}
	w.u16(uint16(len(c.Dups)))
	if nr {
		w.u16(0)
	}
	if err := encodeGaps(w, c.CumTSN, c.Gaps); err != nil {
		return err
	}
	if err := encodeGaps(w, c.CumTSN, c.NRGaps); err != nil {
		return err
	}
	for _, d := range c.Dups {
		w.u32(uint32(d))
	}
	if c.Seq != 0 {
		w.u32(c.Seq)
	}
	return nil
}

func encodeHeartbeatInfo(w *writer, info sctp.HeartbeatInfo) {
	w.u16(paramHeartbeatInfo)
	w.u16(heartbeatInfoLen)
	switch {
	case !info.Addr.IsValid():
		w.u16(0)
	case info.Addr.Addr().Is4():
		w.u16(4)
	default:
		w.u16(6)
	}
	ip := info.Addr.Addr().As16()
	if !info.Addr.IsValid() {
		ip = [16]byte{}
	}
	w.bytes(ip[:])
	w.u16(info.Addr.Port())
	var sent int64
	if !info.Sent.IsZero() {
		sent = info.Sent.UnixNano()
	}
	w.u64(uint64(sent))
	w.u64(info.Nonce)
}

func encodeCauses(w *writer, causes []sctp.ErrorCause) {
	for i, c := range causes {
		if i > 0 {
			w.pad()
		}
		w.u16(uint16(c.Code))
		if c.Code == sctp.CauseStaleCookie {
			w.u16(8)
			w.u32(uint32(c.Staleness / time.Microsecond))
			continue
		}
		w.u16(uint16(4 + len(c.Info)))
		w.bytes(c.Info)
	}
}

func encodeReconfigParam(w *writer, p sctp.ReconfigParam) error {
	switch rp := p.(type) {
	case *sctp.OutgoingResetRequest:
		w.u16(paramOutgoingReset)
		w.u16(uint16(16 + 2*len(rp.Streams)))
		w.u32(rp.ReqSeq)
		w.u32(rp.RespSeq)
		w.u32(uint32(rp.LastTSN))
		for _, s := range rp.Streams {
			w.u16(s)
		}
	case *sctp.IncomingResetRequest:
		w.u16(paramIncomingReset)
		w.u16(uint16(8 + 2*len(rp.Streams)))
		w.u32(rp.ReqSeq)
		for _, s := range rp.Streams {
			w.u16(s)
		}
	case *sctp.SSNTSNResetRequest:
		w.u16(paramSSNTSNReset)
		w.u16(8)
		w.u32(rp.ReqSeq)
	case *sctp.ReconfigResponse:
		w.u16(paramReconfigResult)
		if rp.HasTSN {
			w.u16(20)
		} else {
			w.u16(12)
		}
		w.u32(rp.RespSeq)
		w.u32(uint32(rp.Result))
		if rp.HasTSN {
			w.u32(uint32(rp.SenderNextTSN))
			w.u32(uint32(rp.ReceiverNextTSN))
		}
	default:
		return errors.Wrapf(sctp.ErrMalformed, "未知重置参数 %T", p)
	}
	return nil
}

// ----------------------------------------------------------------------------
// 解码
// ----------------------------------------------------------------------------

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(sctp.ErrMalformed, format, args...)
}

// Decode 解码并校验数据包
func (Codec) Decode(b []byte) (*sctp.Packet, error) {
	if len(b) < sctp.CommonHeaderSize {
		return nil, errors.Wrapf(ErrShortPacket, "%d 字节", len(b))
	}
	if want, got := Checksum(b), binary.LittleEndian.Uint32(b[8:]); want != got {
		return nil, errors.Wrapf(ErrChecksum, "期望 %08x 实际 %08x", want, got)
	}
	pkt := &sctp.Packet{
		SrcPort:         binary.BigEndian.Uint16(b[0:]),
		DstPort:         binary.BigEndian.Uint16(b[2:]),
		VerificationTag: binary.BigEndian.Uint32(b[4:]),
	}

	off := sctp.CommonHeaderSize
	for off < len(b) {
		if len(b)-off < sctp.ChunkHeaderSize {
			return nil, malformed("块头不完整, 偏移 %d", off)
		}
		typ := sctp.ChunkType(b[off])
		flags := b[off+1]
		length := int(binary.BigEndian.Uint16(b[off+2:]))
		if length < sctp.ChunkHeaderSize || off+length > len(b) {
			return nil, malformed("%s 长度 %d 越界", typ, length)
		}
		body := b[off+sctp.ChunkHeaderSize : off+length]
		c, err := decodeChunk(typ, flags, body)
		if err != nil {
			return nil, err
		}
		if c != nil {
			pkt.Chunks = append(pkt.Chunks, c)
		}
		off += (length + 3) &^ 3
	}
	if len(pkt.Chunks) == 0 {
		return nil, malformed("数据包不含块")
	}
	return pkt, nil
}

func decodeChunk(typ sctp.ChunkType, flags uint8, body []byte) (sctp.Chunk, error) {
	need := func(n int) error {
		if len(body) < n {
			return malformed("%s 长度 %d 不足 %d", typ, len(body), n)
		}
		return nil
	}

	switch typ {
	case sctp.ChunkData:
		if err := need(sctp.DataChunkHeaderLen - sctp.ChunkHeaderSize); err != nil {
			return nil, err
		}
		if len(body) == 12 {
			return nil, malformed("DATA 负载为空")
		}
		return &sctp.Data{
			TSN:       seqnum.TSN(binary.BigEndian.Uint32(body[0:])),
			Stream:    binary.BigEndian.Uint16(body[4:]),
			SSN:       seqnum.SSN(binary.BigEndian.Uint16(body[6:])),
			PPID:      binary.BigEndian.Uint32(body[8:]),
			End:       flags&flagEnd != 0,
			Begin:     flags&flagBegin != 0,
			Unordered: flags&flagUnordered != 0,
			Immediate: flags&flagImmediate != 0,
			Payload:   append([]byte(nil), body[12:]...),
		}, nil

	case sctp.ChunkInit:
		init, _, err := decodeInit(body, false)
		if err != nil {
			return nil, err
		}
		return init, nil

	case sctp.ChunkInitAck:
		init, cookie, err := decodeInit(body, true)
		if err != nil {
			return nil, err
		}
		if cookie == nil {
			return nil, malformed("INIT-ACK 缺少 state cookie")
		}
		return &sctp.InitAck{Init: *init, Cookie: cookie}, nil

	case sctp.ChunkCookieEcho:
		if len(body) == 0 {
			return nil, malformed("COOKIE-ECHO 为空")
		}
		return &sctp.CookieEcho{Cookie: append([]byte(nil), body...)}, nil

	case sctp.ChunkCookieAck:
		return &sctp.CookieAck{}, nil

	case sctp.ChunkSack, sctp.ChunkNRSack:
		return decodeSack(typ, flags, body)

	case sctp.ChunkHeartbeat:
		info, err := decodeHeartbeatInfo(body)
		if err != nil {
			return nil, err
		}
		return &sctp.Heartbeat{Info: info}, nil

	case sctp.ChunkHeartbeatAck:
		info, err := decodeHeartbeatInfo(body)
		if err != nil {
			return nil, err
		}
		return &sctp.HeartbeatAck{Info: info}, nil

	case sctp.ChunkAbort:
		causes, err := decodeCauses(body)
		if err != nil {
			return nil, err
		}
		return &sctp.Abort{TBit: flags&flagTBit != 0, Causes: causes}, nil

	case sctp.ChunkError:
		causes, err := decodeCauses(body)
		if err != nil {
			return nil, err
		}
		return &sctp.ErrorChunk{Causes: causes}, nil

	case sctp.ChunkShutdown:
		if err := need(4); err != nil {
			return nil, err
		}
		return &sctp.Shutdown{CumTSN: seqnum.TSN(binary.BigEndian.Uint32(body))}, nil

	case sctp.ChunkShutdownAck:
		return &sctp.ShutdownAck{}, nil

	case sctp.ChunkShutdownComplete:
		return &sctp.ShutdownComplete{TBit: flags&flagTBit != 0}, nil

	case sctp.ChunkForwardTSN:
		if err := need(4); err != nil {
			return nil, err
		}
		if (len(body)-4)%4 != 0 {
			return nil, malformed("FORWARD-TSN 流列表长度 %d", len(body)-4)
		}
		c := &sctp.ForwardTSN{NewCumTSN: seqnum.TSN(binary.BigEndian.Uint32(body))}
		for off := 4; off < len(body); off += 4 {
			c.Streams = append(c.Streams, sctp.StreamSkip{
				Stream: binary.BigEndian.Uint16(body[off:]),
				SSN:    seqnum.SSN(binary.BigEndian.Uint16(body[off+2:])),
			})
		}
		return c, nil

	case sctp.ChunkReConfig:
		return decodeReConfig(body)

	default:
		// 最高位为 1 的未知块跳过, 否则整包丢弃
		if uint8(typ)&0x80 != 0 {
			return nil, nil
		}
		return nil, malformed("未知块类型 %d", uint8(typ))
	}
}

// params 遍历 TLV 参数
func params(b []byte, fn func(typ uint16, value []byte) error) error {
	off := 0
	for off < len(b) {
		if len(b)-off < 4 {
			return malformed("参数头不完整")
		}
		typ := binary.BigEndian.Uint16(b[off:])
		length := int(binary.BigEndian.Uint16(b[off+2:]))
		if length < 4 || off+length > len(b) {
			return malformed("参数 %#x 长度 %d 越界", typ, length)
		}
		if err := fn(typ, b[off+4:off+length]); err != nil {
			return err
		}
		off += (length + 3) &^ 3
	}
	return nil
}

func decodeInit(body []byte, ack bool) (*sctp.Init, []byte, error) {
	if len(body) < 16 {
		return nil, nil, malformed("INIT 长度 %d", len(body))
	}
	c := &sctp.Init{
		InitiateTag:     binary.BigEndian.Uint32(body[0:]),
		ARwnd:           binary.BigEndian.Uint32(body[4:]),
		OutboundStreams: binary.BigEndian.Uint16(body[8:]),
		InboundStreams:  binary.BigEndian.Uint16(body[10:]),
		InitialTSN:      seqnum.TSN(binary.BigEndian.Uint32(body[12:])),
	}
	var cookie []byte
	err := params(body[16:], func(typ uint16, v []byte) error {
		switch typ {
		case paramIPv4:
			if len(v) < 4 {
				return malformed("IPv4 地址参数过短")
			}
			addr := netip.AddrFrom4([4]byte{v[0], v[1], v[2], v[3]})
			c.Addresses = append(c.Addresses, netip.AddrPortFrom(addr, optionalPort(v[4:])))
		case paramIPv6:
			if len(v) < 16 {
				return malformed("IPv6 地址参数过短")
			}
			var ip [16]byte
			copy(ip[:], v)
			c.Addresses = append(c.Addresses, netip.AddrPortFrom(netip.AddrFrom16(ip), optionalPort(v[16:])))
		case paramForwardTSN:
			c.ForwardTSN = true
		case paramSupportedExt:
			for _, t := range v {
				switch sctp.ChunkType(t) {
				case sctp.ChunkReConfig:
					c.ReConfig = true
				case sctp.ChunkForwardTSN:
					c.ForwardTSN = true
				}
			}
		case paramStateCookie:
			if ack {
				cookie = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, cookie, nil
}

// optionalPort 地址参数后附的端口扩展
func optionalPort(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func decodeGaps(b []byte, cum seqnum.TSN, n int) ([]sctp.GapBlock, []byte) {
	if n == 0 {
		return nil, b
	}
	gaps := make([]sctp.GapBlock, n)
	for i := range gaps {
		gaps[i] = sctp.GapBlock{
			Start: cum.Add(uint32(binary.BigEndian.Uint16(b[0:]))),
			End:   cum.Add(uint32(binary.BigEndian.Uint16(b[2:]))),
		}
		b = b[4:]
	}
	return gaps, b
}

func decodeSack(typ sctp.ChunkType, flags uint8, body []byte) (sctp.Chunk, error) {
	hdr := sctp.SackChunkHeaderLen - sctp.ChunkHeaderSize
	if typ == sctp.ChunkNRSack {
		hdr = sctp.NRSackHeaderLen - sctp.ChunkHeaderSize
	}
	if len(body) < hdr {
		return nil, malformed("%s 长度 %d", typ, len(body))
	}
	c := &sctp.Sack{
		CumTSN: seqnum.TSN(binary.BigEndian.Uint32(body[0:])),
		ARwnd:  binary.BigEndian.Uint32(body[4:]),
	}
	numGaps := int(binary.BigEndian.Uint16(body[8:]))
	numNR := 0
	numDups := int(binary.BigEndian.Uint16(body[10:]))
	if typ == sctp.ChunkNRSack {
		numNR = numDups
		numDups = int(binary.BigEndian.Uint16(body[12:]))
	}
	want := hdr + 4*(numGaps+numNR+numDups)
	if flags&flagSackSeq != 0 {
		want += 4
	}
	if len(body) < want {
		return nil, malformed("%s 声明 %d 间隔 %d 重复, 长度 %d", typ, numGaps+numNR, numDups, len(body))
	}
	rest := body[hdr:]
	c.Gaps, rest = decodeGaps(rest, c.CumTSN, numGaps)
	c.NRGaps, rest = decodeGaps(rest, c.CumTSN, numNR)
	for i := 0; i < numDups; i++ {
		c.Dups = append(c.Dups, seqnum.TSN(binary.BigEndian.Uint32(rest)))
		rest = rest[4:]
	}
	if flags&flagSackSeq != 0 {
		c.Seq = binary.BigEndian.Uint32(rest)
	}
	return c, nil
}

func decodeHeartbeatInfo(body []byte) (sctp.HeartbeatInfo, error) {
	var info sctp.HeartbeatInfo
	found := false
	err := params(body, func(typ uint16, v []byte) error {
		if typ != paramHeartbeatInfo {
			return nil
		}
		if len(v) < heartbeatInfoLen-4 {
			return malformed("心跳信息长度 %d", len(v))
		}
		family := binary.BigEndian.Uint16(v[0:])
		var ip [16]byte
		copy(ip[:], v[2:18])
		port := binary.BigEndian.Uint16(v[18:])
		switch family {
		case 4:
			info.Addr = netip.AddrPortFrom(netip.AddrFrom16(ip).Unmap(), port)
		case 6:
			info.Addr = netip.AddrPortFrom(netip.AddrFrom16(ip), port)
		}
		if sent := int64(binary.BigEndian.Uint64(v[20:])); sent != 0 {
			info.Sent = time.Unix(0, sent)
		}
		info.Nonce = binary.BigEndian.Uint64(v[28:])
		found = true
		return nil
	})
	if err != nil {
		return info, err
	}
	if !found {
		return info, malformed("心跳缺少信息参数")
	}
	return info, nil
}

func decodeCauses(body []byte) ([]sctp.ErrorCause, error) {
	var causes []sctp.ErrorCause
	err := params(body, func(code uint16, v []byte) error {
		c := sctp.ErrorCause{Code: sctp.CauseCode(code)}
		if c.Code == sctp.CauseStaleCookie {
			if len(v) < 4 {
				return malformed("stale-cookie 原因过短")
			}
			c.Staleness = time.Duration(binary.BigEndian.Uint32(v)) * time.Microsecond
		} else if len(v) > 0 {
			c.Info = append([]byte(nil), v...)
		}
		causes = append(causes, c)
		return nil
	})
	return causes, err
}

func decodeStreams(b []byte) []uint16 {
	if len(b) < 2 {
		return nil
	}
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return out
}

func decodeReConfig(body []byte) (sctp.Chunk, error) {
	c := &sctp.ReConfig{}
	err := params(body, func(typ uint16, v []byte) error {
		switch typ {
		case paramOutgoingReset:
			if len(v) < 12 {
				return malformed("出向重置请求过短")
			}
			c.Params = append(c.Params, &sctp.OutgoingResetRequest{
				ReqSeq:  binary.BigEndian.Uint32(v[0:]),
				RespSeq: binary.BigEndian.Uint32(v[4:]),
				LastTSN: seqnum.TSN(binary.BigEndian.Uint32(v[8:])),
				Streams: decodeStreams(v[12:]),
			})
		case paramIncomingReset:
			if len(v) < 4 {
				return malformed("入向重置请求过短")
			}
			c.Params = append(c.Params, &sctp.IncomingResetRequest{
				ReqSeq:  binary.BigEndian.Uint32(v[0:]),
				Streams: decodeStreams(v[4:]),
			})
		case paramSSNTSNReset:
			if len(v) < 4 {
				return malformed("SSN/TSN 重置请求过短")
			}
			c.Params = append(c.Params, &sctp.SSNTSNResetRequest{ReqSeq: binary.BigEndian.Uint32(v)})
		case paramReconfigResult:
			if len(v) < 8 {
				return malformed("重置响应过短")
			}
			r := &sctp.ReconfigResponse{
				RespSeq: binary.BigEndian.Uint32(v[0:]),
				Result:  sctp.ReconfigResult(binary.BigEndian.Uint32(v[4:])),
			}
			if len(v) >= 16 {
				r.HasTSN = true
				r.SenderNextTSN = seqnum.TSN(binary.BigEndian.Uint32(v[8:]))
				r.ReceiverNextTSN = seqnum.TSN(binary.BigEndian.Uint32(v[12:]))
			}
			c.Params = append(c.Params, r)
		default:
			return malformed("未知重置参数 %d", typ)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(c.Params) == 0 {
		return nil, malformed("RE-CONFIG 不含参数")
	}
	return c, nil
}
