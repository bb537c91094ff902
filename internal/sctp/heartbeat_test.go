package sctp

import (
	"testing"
	"time"
)

func TestIdlePathHeartbeat(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c := p.c()

	p.net.run(DefaultHeartbeatInterval + 5*time.Second)
	if p.net.sent(p.client, ChunkHeartbeat) == 0 {
		t.Fatal("空闲路径应发送心跳")
	}
	if p.net.sent(p.server, ChunkHeartbeatAck) == 0 {
		t.Fatal("对端应回送心跳确认")
	}
	ps := c.Paths()[0]
	if ps.SRTT <= 0 || ps.ErrorCount != 0 || !ps.Active {
		t.Errorf("心跳后的路径状态: %+v", ps)
	}
}

func TestBusyPathSkipsHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 2 * time.Second
	p := newPair(t, cfg, testConfig(), 1000, 5000, false)
	p.connect(t)
	c := p.c()
	before := p.net.sent(p.client, ChunkHeartbeat)

	for i := 0; i < 20; i++ {
		if err := c.Send(0, []byte("tick"), SendOptions{}); err != nil {
			t.Fatal(err)
		}
		p.net.run(500 * time.Millisecond)
	}
	if got := p.net.sent(p.client, ChunkHeartbeat); got != before {
		t.Errorf("有数据发送时不应发送心跳: %d -> %d", before, got)
	}
}

func multiHomedWithHeartbeats(t *testing.T) *pair {
	t.Helper()
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Second
	cfg.PathMaxRetrans = 1
	p := newPair(t, cfg, testConfig(), 1000, 5000, true)
	p.connect(t)
	if !p.net.runUntil(func() bool { return p.c().Paths()[1].Confirmed }, 5*time.Second) {
		t.Fatal("第二条路径未确认")
	}
	return p
}

func TestHeartbeatDetectsPathFailureAndRecovery(t *testing.T) {
	p := multiHomedWithHeartbeats(t)
	c := p.c()

	p.net.drop = func(w wire) bool { return w.dst == serverAddr2 || w.src == serverAddr2 }
	if !p.net.runUntil(func() bool { return !c.Paths()[1].Active }, time.Minute) {
		t.Fatal("心跳未检测到路径失效")
	}
	n, ok := p.client.rec.last(NotifyPathStatus)
	if !ok || n.Active || n.Path != serverAddr2 {
		t.Errorf("失效通知: %+v", n)
	}
	if !c.Paths()[0].Primary || c.State() != StateEstablished {
		t.Fatalf("主路径不应受影响: %+v", c.Paths()[0])
	}

	p.net.drop = nil
	if !p.net.runUntil(func() bool { return c.Paths()[1].Active }, time.Minute) {
		t.Fatal("路径未恢复")
	}
	n, _ = p.client.rec.last(NotifyPathStatus)
	if !n.Active {
		t.Errorf("恢复通知: %+v", n)
	}
	if c.Paths()[1].ErrorCount != 0 {
		t.Errorf("恢复后错误计数: %d", c.Paths()[1].ErrorCount)
	}
}

func TestForgedHeartbeatAckDiscarded(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c := p.c()
	before := c.Counter(CounterDiscarded)
	pkt := &Packet{
		SrcPort:         c.cfg.PeerPort,
		DstPort:         c.cfg.LocalPort,
		VerificationTag: c.LocalTag(),
		Chunks: []Chunk{&HeartbeatAck{Info: HeartbeatInfo{
			Addr:  serverAddr1,
			Sent:  p.net.clk.Now(),
			Nonce: 0x1234,
		}}},
	}
	if err := c.HandlePacket(pkt, serverAddr1); err != nil {
		t.Fatal(err)
	}
	if c.Counter(CounterDiscarded) != before+1 {
		t.Error("伪造的心跳确认应被丢弃")
	}
}

func TestHeartbeatsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatsEnabled = false
	p := newPair(t, cfg, testConfig(), 1000, 5000, false)
	p.connect(t)
	p.net.run(2 * DefaultHeartbeatInterval)
	if got := p.net.sent(p.client, ChunkHeartbeat); got != 0 {
		t.Errorf("关闭心跳后仍发送: %d", got)
	}
}
