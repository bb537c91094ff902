package transport

import (
	"encoding/binary"
	"net/netip"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/cmtsctp/internal/sctp"
	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

func testPacket(chunks ...sctp.Chunk) *sctp.Packet {
	return &sctp.Packet{
		SrcPort:         9899,
		DstPort:         9900,
		VerificationTag: 0xdeadbeef,
		Chunks:          chunks,
	}
}

// resum 修改报文后重新计算校验和
func resum(b []byte) []byte {
	binary.LittleEndian.PutUint32(b[8:], Checksum(b))
	return b
}

func TestCodecRoundTrip(t *testing.T) {
	v4 := netip.MustParseAddrPort("10.0.0.1:9899")
	v6 := netip.MustParseAddrPort("[2001:db8::1]:9899")
	sent := time.Unix(0, 1700000000123456789)

	tests := []struct {
		name  string
		chunk sctp.Chunk
	}{
		{"DATA", &sctp.Data{TSN: 100, Stream: 3, SSN: 7, PPID: 51, Begin: true, End: true, Payload: []byte("hello")}},
		{"DATA 无序分片", &sctp.Data{TSN: 0xFFFFFFFF, Stream: 1, Unordered: true, Immediate: true, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
		{"INIT", &sctp.Init{
			InitiateTag: 1, ARwnd: 65536, OutboundStreams: 10, InboundStreams: 12, InitialTSN: 1000,
			Addresses: []netip.AddrPort{v4, v6}, ForwardTSN: true, ReConfig: true,
		}},
		{"INIT 无扩展", &sctp.Init{InitiateTag: 2, ARwnd: 1500, OutboundStreams: 1, InboundStreams: 1, InitialTSN: 5}},
		{"INIT 仅重置", &sctp.Init{InitiateTag: 3, ARwnd: 1500, OutboundStreams: 1, InboundStreams: 1, ReConfig: true}},
		{"INIT-ACK", &sctp.InitAck{
			Init:   sctp.Init{InitiateTag: 9, ARwnd: 4096, OutboundStreams: 2, InboundStreams: 2, InitialTSN: 77, Addresses: []netip.AddrPort{v4}},
			Cookie: []byte("sealed-cookie"),
		}},
		{"COOKIE-ECHO", &sctp.CookieEcho{Cookie: []byte("abc")}},
		{"COOKIE-ACK", &sctp.CookieAck{}},
		{"SACK", &sctp.Sack{
			CumTSN: 100, ARwnd: 8192,
			Gaps: []sctp.GapBlock{{Start: 102, End: 104}, {Start: 110, End: 110}},
			Dups: []seqnum.TSN{99, 98},
		}},
		{"SACK 序号", &sctp.Sack{CumTSN: 5, ARwnd: 1, Seq: 42}},
		{"NR-SACK", &sctp.Sack{
			CumTSN: 0xFFFFFFF0, ARwnd: 1024,
			Gaps:   []sctp.GapBlock{{Start: 0xFFFFFFF2, End: 0xFFFFFFF3}},
			NRGaps: []sctp.GapBlock{{Start: 2, End: 4}},
			Seq:    7,
		}},
		{"HEARTBEAT", &sctp.Heartbeat{Info: sctp.HeartbeatInfo{Addr: v4, Sent: sent, Nonce: 0x0102030405060708}}},
		{"HEARTBEAT-ACK", &sctp.HeartbeatAck{Info: sctp.HeartbeatInfo{Addr: v6, Sent: sent, Nonce: 1}}},
		{"ABORT", &sctp.Abort{TBit: true, Causes: []sctp.ErrorCause{
			{Code: sctp.CauseUserAbort, Info: []byte("bye")},
			{Code: sctp.CauseProtocolViolation},
		}}},
		{"ERROR stale", &sctp.ErrorChunk{Causes: []sctp.ErrorCause{{Code: sctp.CauseStaleCookie, Staleness: 1500 * time.Microsecond}}}},
		{"SHUTDOWN", &sctp.Shutdown{CumTSN: 12345}},
		{"SHUTDOWN-ACK", &sctp.ShutdownAck{}},
		{"SHUTDOWN-COMPLETE", &sctp.ShutdownComplete{TBit: true}},
		{"FORWARD-TSN", &sctp.ForwardTSN{NewCumTSN: 200, Streams: []sctp.StreamSkip{{Stream: 1, SSN: 4}, {Stream: 2, SSN: 0}}}},
		{"RE-CONFIG", &sctp.ReConfig{Params: []sctp.ReconfigParam{
			&sctp.OutgoingResetRequest{ReqSeq: 1, RespSeq: 2, LastTSN: 3, Streams: []uint16{1, 2, 3}},
			&sctp.IncomingResetRequest{ReqSeq: 4, Streams: []uint16{5}},
		}}},
		{"RE-CONFIG 响应", &sctp.ReConfig{Params: []sctp.ReconfigParam{
			&sctp.ReconfigResponse{RespSeq: 1, Result: sctp.ResultSuccessPerformed},
			&sctp.ReconfigResponse{RespSeq: 2, Result: sctp.ResultInProgress, HasTSN: true, SenderNextTSN: 10, ReceiverNextTSN: 20},
			&sctp.SSNTSNResetRequest{ReqSeq: 9},
		}}},
	}

	var codec Codec
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := testPacket(tt.chunk)
			b, err := codec.Encode(pkt)
			if err != nil {
				t.Fatalf("编码失败: %v", err)
			}
			if len(b) != pkt.Len() {
				t.Errorf("编码长度 = %d, want %d", len(b), pkt.Len())
			}
			got, err := codec.Decode(b)
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if got.SrcPort != pkt.SrcPort || got.DstPort != pkt.DstPort || got.VerificationTag != pkt.VerificationTag {
				t.Errorf("公共头不匹配: got %+v", got)
			}
			if len(got.Chunks) != 1 {
				t.Fatalf("块数量 = %d, want 1", len(got.Chunks))
			}
			if !reflect.DeepEqual(got.Chunks[0], tt.chunk) {
				t.Errorf("块不匹配:\n got  %#v\n want %#v", got.Chunks[0], tt.chunk)
			}
		})
	}
}

func TestCodecBundling(t *testing.T) {
	var codec Codec
	pkt := testPacket(
		&sctp.CookieEcho{Cookie: []byte("x")},
		&sctp.Data{TSN: 1, Stream: 0, Begin: true, End: true, Payload: []byte("odd")},
		&sctp.Sack{CumTSN: 9, ARwnd: 100},
	)
	b, err := codec.Encode(pkt)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	got, err := codec.Decode(b)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if !reflect.DeepEqual(got.Chunks, pkt.Chunks) {
		t.Errorf("捆绑块不匹配: got %#v", got.Chunks)
	}
}

func TestCodecChecksum(t *testing.T) {
	var codec Codec
	b, err := codec.Encode(testPacket(&sctp.Shutdown{CumTSN: 1}))
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	b[len(b)-1] ^= 0xFF
	if _, err := codec.Decode(b); !errors.Is(err, ErrChecksum) {
		t.Errorf("篡改后应返回 ErrChecksum, got %v", err)
	}
}

func TestCodecMalformed(t *testing.T) {
	var codec Codec
	valid, err := codec.Encode(testPacket(&sctp.Data{TSN: 1, Begin: true, End: true, Payload: []byte("abcd")}))
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	clone := func() []byte { return append([]byte(nil), valid...) }

	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"过短", valid[:8], ErrShortPacket},
		{"无块", resum(clone()[:12]), sctp.ErrMalformed},
		{"块长度越界", func() []byte {
			b := clone()
			binary.BigEndian.PutUint16(b[14:], 200)
			return resum(b)
		}(), sctp.ErrMalformed},
		{"块长度过小", func() []byte {
			b := clone()
			binary.BigEndian.PutUint16(b[14:], 2)
			return resum(b)
		}(), sctp.ErrMalformed},
		{"DATA 无负载", func() []byte {
			b := clone()[:12+16]
			binary.BigEndian.PutUint16(b[14:], 16)
			return resum(b)
		}(), sctp.ErrMalformed},
		{"未知块类型", func() []byte {
			b := clone()
			b[12] = 0x40
			return resum(b)
		}(), sctp.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Decode(tt.input); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCodecSkipsUnknownChunk(t *testing.T) {
	var codec Codec
	b, err := codec.Encode(testPacket(&sctp.CookieAck{}))
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	// 追加一个最高位为 1 的未知块
	b = append(b, 0xC1, 0, 0, 6, 0xAA, 0xBB, 0, 0)
	got, err := codec.Decode(resum(b))
	if err != nil {
		t.Fatalf("未知块应被跳过: %v", err)
	}
	if len(got.Chunks) != 1 || got.Chunks[0].Type() != sctp.ChunkCookieAck {
		t.Errorf("解码结果 = %#v", got.Chunks)
	}
}

func TestCodecGapOverflow(t *testing.T) {
	var codec Codec
	_, err := codec.Encode(testPacket(&sctp.Sack{
		CumTSN: 1,
		Gaps:   []sctp.GapBlock{{Start: 3, End: 70000}},
	}))
	if !errors.Is(err, ErrGapOverflow) {
		t.Errorf("间隔超出 16 位应报错, got %v", err)
	}
}

func BenchmarkCodecData(b *testing.B) {
	var codec Codec
	pkt := testPacket(&sctp.Data{TSN: 1, Begin: true, End: true, Payload: make([]byte, 1200)})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf, err := codec.Encode(pkt)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := codec.Decode(buf); err != nil {
			b.Fatal(err)
		}
	}
}
