package sctp

import (
	"testing"
	"time"
)

// cmtPair 两条路径都已确认的 CMT 偶联
func cmtPair(t *testing.T, mutate func(*Config)) *pair {
	t.Helper()
	cfg := testConfig()
	cfg.CMT = true
	if mutate != nil {
		mutate(&cfg)
	}
	p := newPair(t, cfg, testConfig(), 1000, 5000, true)
	p.connect(t)
	if n := len(p.c().Paths()); n != 2 {
		t.Fatalf("路径数: got %d, want 2", n)
	}
	if !p.net.runUntil(func() bool { return p.c().Paths()[1].Confirmed }, time.Second) {
		t.Fatal("第二条路径未确认")
	}
	return p
}

func TestStrictBookingSecondPass(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
		first  bool
		second bool
	}{
		{"严格预约", true, false, true},
		{"非严格", false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := cmtPair(t, func(c *Config) { c.StrictBooking = tt.strict })
			a := p.c()
			a.firstDataSent = true
			p0 := a.paths.get(0)
			cwnd := p0.cw.Cwnd()
			a.ledger.put(t, a.nextTSN, 0, cwnd-300)

			if _, ok := a.newDataAllowed(p0, 500, false); ok != tt.first {
				t.Errorf("第一轮: got %v, want %v", ok, tt.first)
			}
			if _, ok := a.newDataAllowed(p0, 500, true); ok != tt.second {
				t.Errorf("第二轮: got %v, want %v", ok, tt.second)
			}
		})
	}
}

func TestFirstDataAlwaysAllowed(t *testing.T) {
	p := cmtPair(t, func(c *Config) { c.StrictBooking = true })
	a := p.c()
	a.firstDataSent = false
	p0 := a.paths.get(0)
	a.ledger.put(t, a.nextTSN, 0, p0.cw.Cwnd())
	if _, ok := a.newDataAllowed(p0, 1000, false); !ok {
		t.Error("首个 DATA 不受窗口限制")
	}
}

func TestFirstDataRespectsZeroPeerWindow(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	a := p.c()
	a.firstDataSent = false
	a.peerRwnd = 0
	p0 := a.paths.get(0)

	zw, ok := a.newDataAllowed(p0, 100, false)
	if !zw || !ok {
		t.Fatalf("窗口为零时首个 DATA 只能作为零窗口探测: zw=%v ok=%v", zw, ok)
	}
	a.ledger.put(t, a.nextTSN, 0, 100)
	if _, ok := a.newDataAllowed(p0, 100, false); ok {
		t.Error("窗口为零且有在途数据时不应发送首个 DATA")
	}
}

func TestRetransmissionWithSmallPeerWindowAndNothingOutstanding(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	p.dropClientData()
	a := p.c()
	if err := a.Send(0, payload(1000, 1), SendOptions{}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	id, ok := a.ledger.find(1000)
	if !ok {
		t.Fatal("TSN 1000 不在账本中")
	}
	a.ledger.clearOutstanding(id)
	a.ledger.queueRetransmission(id, 0)
	// 窗口大于零但小于待重传单元
	a.peerRwnd = 200

	a.sendOnPath(a.paths.get(0), false, p.net.clk.Now())
	if n := p.net.dataSent(p.client, 1000); n != 2 {
		t.Fatalf("TSN 1000 发送次数: got %d, want 2", n)
	}
	if !a.zeroWindowProbing {
		t.Error("窗口不足时的重传应按零窗口探测处理")
	}
	if err := a.checkInvariants(); err != nil {
		t.Fatalf("不变量被破坏: %v", err)
	}
}

func TestZeroWindowProbe(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	a := p.c()
	a.firstDataSent = true
	a.peerRwnd = 0
	p0 := a.paths.get(0)

	probe, ok := a.newDataAllowed(p0, 100, false)
	if !probe || !ok {
		t.Fatalf("无在途数据时应允许零窗口探测: probe=%v ok=%v", probe, ok)
	}
	a.zeroWindowProbing = true
	if _, ok := a.newDataAllowed(p0, 100, false); ok {
		t.Error("探测进行中不应再发送")
	}
}

func TestBufferSplittingLimitsPerPath(t *testing.T) {
	p := cmtPair(t, func(c *Config) { c.BufferSplitting = true })
	a := p.c()
	a.firstDataSent = true
	a.peerRwnd = 4000
	p0 := a.paths.get(0)

	if _, ok := a.newDataAllowed(p0, 1500, false); !ok {
		t.Fatal("份额内应允许发送")
	}
	a.ledger.put(t, a.nextTSN, 0, 1000)
	// 份额 = (4000 + 1000) / 2
	if _, ok := a.newDataAllowed(p0, 1500, false); !ok {
		t.Error("恰好用满份额应允许")
	}
	if _, ok := a.newDataAllowed(p0, 1600, false); ok {
		t.Error("超出份额不应允许")
	}
}

func TestNagleHold(t *testing.T) {
	cfg := testConfig()
	cfg.Nagle = true
	p := newPair(t, cfg, testConfig(), 1000, 5000, false)
	p.connect(t)
	a := p.c()
	space := 1500 - CommonHeaderSize

	a.out.push(&outMessage{id: 100, data: []byte("x")})
	if a.nagleHold(0, space) {
		t.Error("无在途数据时不应暂缓")
	}
	a.ledger.put(t, a.nextTSN, 0, 100)
	if !a.nagleHold(0, space) {
		t.Error("有在途数据且不足一包时应暂缓")
	}
	if a.nagleHold(100, space) {
		t.Error("本包已有数据时不应暂缓")
	}
	a.out.push(&outMessage{id: 101, data: make([]byte, 1500)})
	if a.nagleHold(0, space) {
		t.Error("排队数据足够一包时不应暂缓")
	}
}

func TestNagleDelaysSmallMessages(t *testing.T) {
	cfg := testConfig()
	cfg.Nagle = true
	p := newPair(t, cfg, testConfig(), 1000, 5000, false)
	p.connect(t)
	c := p.c()
	first := c.NextTSN()

	if err := c.Send(0, []byte("a"), SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(0, []byte("b"), SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := p.net.dataSent(p.client, first); got != 1 {
		t.Fatalf("第一条应立即发出: %d", got)
	}
	if got := p.net.dataSent(p.client, first.Next()); got != 0 {
		t.Fatalf("第二条应等待确认: %d", got)
	}
	if err := c.Send(0, []byte("c"), SendOptions{Immediate: true}); err != nil {
		t.Fatal(err)
	}
	p.net.run(time.Second)
	msgs := receiveAll(p.s())
	if len(msgs) != 3 {
		t.Fatalf("交付消息数: %d", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(msgs[i].Data) != want {
			t.Errorf("消息 %d: got %q, want %q", i, msgs[i].Data, want)
		}
	}
}

func TestCMTUsesBothPaths(t *testing.T) {
	p := cmtPair(t, nil)
	c := p.c()
	for i := 0; i < 20; i++ {
		if err := c.Send(uint16(i%4), payload(1200, byte(i)), SendOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	used := map[int]bool{}
	for _, w := range p.net.log {
		if p.net.nodes[w.src] != p.client || !w.has(ChunkData) {
			continue
		}
		if w.src == clientAddr1 {
			used[0] = true
		} else if w.src == clientAddr2 {
			used[1] = true
		}
	}
	if !used[0] || !used[1] {
		t.Errorf("CMT 应同时使用两条路径: %v", used)
	}
	p.net.run(5 * time.Second)
	if n := len(receiveAll(p.s())); n != 20 {
		t.Errorf("交付消息数: %d", n)
	}
	if c.Outstanding() != 0 {
		t.Errorf("在途字节: %d", c.Outstanding())
	}
}

func TestSingleHomedSendsOnPrimaryOnly(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, true)
	p.connect(t)
	c := p.c()
	for i := 0; i < 10; i++ {
		if err := c.Send(0, payload(1000, byte(i)), SendOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	p.net.run(2 * time.Second)
	for _, w := range p.net.log {
		if p.net.nodes[w.src] == p.client && w.has(ChunkData) && w.src != clientAddr1 {
			t.Fatalf("非 CMT 新数据只应走主路径: %s", w.src)
		}
	}
}
