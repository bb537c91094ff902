package sctp

import (
	"testing"
	"time"
)

func TestTTLAbandonSendsForwardTSN(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c, s := p.c(), p.s()
	first := c.NextTSN()

	p.dropClientData()
	if err := c.Send(0, []byte("lost"), SendOptions{PR: PRTTL, Lifetime: 100 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if !p.net.runUntil(func() bool { return p.net.sent(p.client, ChunkForwardTSN) > 0 }, 10*time.Second) {
		t.Fatal("未发送 FORWARD-TSN")
	}
	p.net.drop = nil
	if !p.net.runUntil(func() bool { return s.in.cum == first }, time.Second) {
		t.Fatalf("接收方累计确认: got %d, want %d", s.in.cum, first)
	}
	if got := p.net.dataSent(p.client, first); got != 1 {
		t.Errorf("过期消息不应重传: %d", got)
	}
	if c.Counter(CounterAbandoned) != 1 || p.client.rec.count(NotifyAbandoned) != 1 {
		t.Errorf("放弃计数: %d", c.Counter(CounterAbandoned))
	}

	if err := c.Send(0, []byte("next"), SendOptions{}); err != nil {
		t.Fatal(err)
	}
	p.net.run(time.Second)
	msgs := receiveAll(s)
	if len(msgs) != 1 || string(msgs[0].Data) != "next" || msgs[0].SSN != 1 {
		t.Fatalf("后续消息: %+v", msgs)
	}
	if c.Outstanding() != 0 || c.CumulativeAck() != first.Next() {
		t.Errorf("发送方状态: outstanding=%d cum=%d", c.Outstanding(), c.CumulativeAck())
	}
}

func TestRtxLimitAbandon(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c := p.c()
	first := c.NextTSN()

	p.dropClientData()
	if err := c.Send(1, []byte("once"), SendOptions{PR: PRRtx, MaxRetransmissions: 1}); err != nil {
		t.Fatal(err)
	}
	if !p.net.runUntil(func() bool { return p.net.sent(p.client, ChunkForwardTSN) > 0 }, 30*time.Second) {
		t.Fatal("未发送 FORWARD-TSN")
	}
	if got := p.net.dataSent(p.client, first); got != 2 {
		t.Errorf("发送次数: got %d, want 2", got)
	}
	p.net.run(time.Second)
	if c.Outstanding() != 0 || c.CumulativeAck() != first {
		t.Errorf("放弃后: outstanding=%d cum=%d", c.Outstanding(), c.CumulativeAck())
	}
}

func TestExpiredBeforeSendIsDropped(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	c := p.c()
	if err := c.Connect(p.client.addrs, p.server.addrs); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(0, []byte("stale"), SendOptions{PR: PRTTL, Lifetime: time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(0, []byte("fresh"), SendOptions{}); err != nil {
		t.Fatal(err)
	}
	p.net.run(time.Second)
	if c.State() != StateEstablished {
		t.Fatalf("状态: %s", c.State())
	}
	msgs := receiveAll(p.s())
	if len(msgs) != 1 || string(msgs[0].Data) != "fresh" || msgs[0].SSN != 0 {
		t.Fatalf("交付结果: %+v", msgs)
	}
	if p.net.sent(p.client, ChunkForwardTSN) != 0 {
		t.Error("未分配 TSN 的消息不需要 FORWARD-TSN")
	}
	if c.Counter(CounterAbandoned) != 1 {
		t.Errorf("放弃计数: %d", c.Counter(CounterAbandoned))
	}
}

func TestNoAbandonWithoutPeerSupport(t *testing.T) {
	scfg := testConfig()
	scfg.ForwardTSN = false
	p := newPair(t, testConfig(), scfg, 1000, 5000, false)
	p.connect(t)
	c := p.c()

	p.dropClientData()
	if err := c.Send(0, []byte("kept"), SendOptions{PR: PRTTL, Lifetime: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	p.net.run(5 * time.Second)
	if c.Counter(CounterAbandoned) != 0 || p.net.sent(p.client, ChunkForwardTSN) != 0 {
		t.Fatal("对端不支持时不应放弃已发送的数据")
	}
	p.net.drop = nil
	if !p.net.runUntil(func() bool { return c.Outstanding() == 0 }, 30*time.Second) {
		t.Fatal("数据未被确认")
	}
	if msgs := receiveAll(p.s()); len(msgs) != 1 || string(msgs[0].Data) != "kept" {
		t.Errorf("交付结果: %+v", msgs)
	}
}

func TestReceiverForwardTSNSkipsLostMessage(t *testing.T) {
	p, s := serverReceiver(t)
	inject(t, s, dataChunk(1001, 0, 1, true, true, "second"))
	if len(receiveAll(s)) != 0 {
		t.Fatal("缺少 SSN 0 时不应交付")
	}
	inject(t, s, &ForwardTSN{NewCumTSN: 1000, Streams: []StreamSkip{{Stream: 0, SSN: 0}}})
	msgs := receiveAll(s)
	if len(msgs) != 1 || msgs[0].SSN != 1 {
		t.Fatalf("跳过后应交付 SSN 1: %+v", msgs)
	}
	sk := lastSack(p.net, p.server)
	if sk == nil || sk.CumTSN != 1001 || len(sk.Gaps) != 0 {
		t.Fatalf("FORWARD-TSN 后的 SACK: %+v", sk)
	}

	// 过时的 FORWARD-TSN 只触发 SACK
	before := s.Counter(CounterSacksSent)
	inject(t, s, &ForwardTSN{NewCumTSN: 999})
	if s.in.cum != 1001 || s.Counter(CounterSacksSent) != before+1 {
		t.Errorf("过时 FORWARD-TSN: cum=%d", s.in.cum)
	}
}

func TestReceiverForwardTSNDropsPartialMessage(t *testing.T) {
	_, s := serverReceiver(t)
	inject(t, s, dataChunk(1001, 3, 0, false, false, "mid"))
	inject(t, s, dataChunk(1003, 3, 1, true, true, "whole"))
	inject(t, s, &ForwardTSN{NewCumTSN: 1002, Streams: []StreamSkip{{Stream: 3, SSN: 0}}})
	if s.in.buffered != len("whole") {
		t.Errorf("残留分片应被丢弃: buffered=%d", s.in.buffered)
	}
	msgs := receiveAll(s)
	if len(msgs) != 1 || string(msgs[0].Data) != "whole" {
		t.Fatalf("交付结果: %+v", msgs)
	}
	if s.in.cum != 1003 {
		t.Errorf("累计确认: %d", s.in.cum)
	}
}
