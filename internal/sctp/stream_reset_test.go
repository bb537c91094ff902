package sctp

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func sendAll(t *testing.T, a *Association, stream uint16, msgs ...string) {
	t.Helper()
	for _, m := range msgs {
		if err := a.Send(stream, []byte(m), SendOptions{}); err != nil {
			t.Fatalf("发送 %q 失败: %v", m, err)
		}
	}
}

// resetResponses 某端点发出的全部重置响应
func resetResponses(n *testNet, from *testNode) []*ReconfigResponse {
	var out []*ReconfigResponse
	for _, w := range n.log {
		if n.nodes[w.src] != from {
			continue
		}
		for _, c := range w.pkt.Chunks {
			rc, ok := c.(*ReConfig)
			if !ok {
				continue
			}
			for _, p := range rc.Params {
				if r, ok := p.(*ReconfigResponse); ok {
					out = append(out, r)
				}
			}
		}
	}
	return out
}

func TestOutgoingStreamReset(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c, s := p.c(), p.s()

	sendAll(t, c, 1, "a", "b")
	if err := c.RequestStreamReset(ResetOutgoing, []uint16{1}); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestStreamReset(ResetOutgoing, []uint16{2}); !errors.Is(err, ErrResetInProgress) {
		t.Fatalf("重复请求: got %v, want ErrResetInProgress", err)
	}
	sendAll(t, c, 1, "c")
	sendAll(t, c, 0, "other")

	p.net.run(2 * time.Second)
	var got []Message
	for {
		m, err := s.Receive(1)
		if err != nil {
			break
		}
		got = append(got, m)
	}
	want := []struct {
		data string
		ssn  uint16
	}{{"a", 0}, {"b", 1}, {"c", 0}}
	if len(got) != len(want) {
		t.Fatalf("交付消息数: got %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i].Data) != w.data || uint16(got[i].SSN) != w.ssn {
			t.Errorf("消息 %d: got %q/%d, want %q/%d", i, got[i].Data, got[i].SSN, w.data, w.ssn)
		}
	}
	if m, err := s.Receive(0); err != nil || string(m.Data) != "other" {
		t.Errorf("未重置的流不受影响: %v %v", m, err)
	}

	n, ok := p.client.rec.last(NotifyResetPerformed)
	if !ok || n.Err != nil || len(n.Streams) != 1 || n.Streams[0] != 1 {
		t.Errorf("请求方通知: %+v", n)
	}
	if p.server.rec.count(NotifyResetPerformed) != 1 {
		t.Errorf("应答方通知数: %d", p.server.rec.count(NotifyResetPerformed))
	}
	if c.reset.busy() {
		t.Error("重置完成后不应仍在进行")
	}
}

func TestIncomingStreamReset(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c, s := p.c(), p.s()

	sendAll(t, s, 2, "x", "y")
	p.net.run(time.Second)
	if err := c.RequestStreamReset(ResetIncoming, []uint16{2}); err != nil {
		t.Fatal(err)
	}
	p.net.run(2 * time.Second)
	sendAll(t, s, 2, "z")
	p.net.run(time.Second)

	msgs := receiveAll(c)
	if len(msgs) != 3 {
		t.Fatalf("交付消息数: %d", len(msgs))
	}
	if msgs[2].SSN != 0 || string(msgs[2].Data) != "z" {
		t.Errorf("重置后的首条消息: %+v", msgs[2])
	}
	if p.client.rec.count(NotifyResetPerformed) != 1 || p.server.rec.count(NotifyResetPerformed) != 1 {
		t.Errorf("通知数: client=%d server=%d",
			p.client.rec.count(NotifyResetPerformed), p.server.rec.count(NotifyResetPerformed))
	}
}

func TestSSNTSNReset(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c, s := p.c(), p.s()

	sendAll(t, c, 0, "c1", "c2")
	sendAll(t, s, 0, "s1")
	p.net.run(time.Second)
	receiveAll(c)
	receiveAll(s)
	next := c.NextTSN()

	if err := c.RequestStreamReset(ResetSSNTSN, nil); err != nil {
		t.Fatal(err)
	}
	p.net.run(2 * time.Second)
	if c.reset.busy() {
		t.Fatal("SSN/TSN 重置未完成")
	}
	if c.NextTSN() != next {
		t.Errorf("TSN 应保持连续: got %d, want %d", c.NextTSN(), next)
	}

	sendAll(t, c, 0, "after")
	sendAll(t, s, 0, "after")
	p.net.run(time.Second)
	for _, a := range []*Association{c, s} {
		msgs := receiveAll(a)
		if len(msgs) != 1 || msgs[0].SSN != 0 {
			t.Errorf("重置后的 SSN: %+v", msgs)
		}
	}
}

func TestStreamResetErrors(t *testing.T) {
	scfg := testConfig()
	scfg.ReConfig = false
	p := newPair(t, testConfig(), scfg, 1000, 5000, false)
	if err := p.c().RequestStreamReset(ResetOutgoing, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("未建立: got %v", err)
	}
	p.connect(t)
	if err := p.c().RequestStreamReset(ResetOutgoing, nil); !errors.Is(err, ErrResetUnsupported) {
		t.Errorf("对端不支持: got %v", err)
	}

	q := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	q.connect(t)
	tests := []struct {
		name string
		kind ResetKind
	}{
		{"出向", ResetOutgoing},
		{"入向", ResetIncoming},
		{"双向", ResetBoth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.c().RequestStreamReset(tt.kind, []uint16{DefaultStreams})
			if !errors.Is(err, ErrInvalidStream) {
				t.Errorf("越界流: got %v", err)
			}
		})
	}
}

func TestDeferredResetHoldsLaterMessages(t *testing.T) {
	p, s := serverReceiver(t)
	inject(t, s, dataChunk(1000, 0, 0, true, true, "pre0"))

	seq := s.reset.peerReqSeq
	inject(t, s, &ReConfig{Params: []ReconfigParam{
		&OutgoingResetRequest{ReqSeq: seq, RespSeq: 4999, LastTSN: 1001, Streams: []uint16{0}},
	}})
	resps := resetResponses(p.net, p.server)
	if len(resps) != 1 || resps[0].Result != ResultInProgress {
		t.Fatalf("LastTSN 未到达时应答 InProgress: %+v", resps)
	}

	inject(t, s, dataChunk(1002, 0, 0, true, true, "post0"))
	inject(t, s, dataChunk(1001, 0, 1, true, true, "pre1"))

	msgs := receiveAll(s)
	want := []string{"pre0", "pre1", "post0"}
	if len(msgs) != len(want) {
		t.Fatalf("交付消息数: got %d, want %d", len(msgs), len(want))
	}
	for i := range want {
		if string(msgs[i].Data) != want[i] {
			t.Errorf("消息 %d: got %q, want %q", i, msgs[i].Data, want[i])
		}
	}
	resps = resetResponses(p.net, p.server)
	if last := resps[len(resps)-1]; last.Result != ResultSuccessPerformed || last.RespSeq != seq {
		t.Errorf("延迟重置完成后的响应: %+v", last)
	}

	// 重传的请求得到同一结果
	inject(t, s, &ReConfig{Params: []ReconfigParam{
		&OutgoingResetRequest{ReqSeq: seq, RespSeq: 4999, LastTSN: 1001, Streams: []uint16{0}},
	}})
	resps = resetResponses(p.net, p.server)
	if last := resps[len(resps)-1]; last.Result != ResultSuccessPerformed {
		t.Errorf("重传请求的响应: %+v", last)
	}
	if p.server.rec.count(NotifyResetPerformed) != 1 {
		t.Errorf("重置只应执行一次: %d", p.server.rec.count(NotifyResetPerformed))
	}
}

func TestResetRequestBadSequence(t *testing.T) {
	p, s := serverReceiver(t)
	inject(t, s, &ReConfig{Params: []ReconfigParam{
		&IncomingResetRequest{ReqSeq: s.reset.peerReqSeq + 7},
	}})
	resps := resetResponses(p.net, p.server)
	if len(resps) != 1 || resps[0].Result != ResultErrorBadSeq {
		t.Fatalf("错误序号: %+v", resps)
	}
}
