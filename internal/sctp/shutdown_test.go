package sctp

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestGracefulShutdown(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c, s := p.c(), p.s()

	for i := 0; i < 10; i++ {
		if err := c.Send(uint16(i%3), payload(900, byte(i)), SendOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateShutdownPending {
		t.Fatalf("有在途数据时应等待: %s", c.State())
	}
	if err := c.Send(0, []byte("late"), SendOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("关闭中发送: got %v", err)
	}

	if !p.net.runUntil(func() bool { return c.State() == StateClosed && s.State() == StateClosed }, 10*time.Second) {
		t.Fatalf("未完成关闭: client=%s server=%s", c.State(), s.State())
	}
	if n := len(receiveAll(s)); n != 10 {
		t.Errorf("关闭前应交付全部数据: %d", n)
	}
	if p.server.rec.count(NotifyShutdownReceived) != 1 || p.server.rec.count(NotifyClosed) != 1 {
		t.Errorf("被动方通知: %+v", p.server.rec.notes)
	}
	if p.client.rec.count(NotifyShutdownAckReceived) != 1 || p.client.rec.count(NotifyClosed) != 1 {
		t.Errorf("主动方通知: %+v", p.client.rec.notes)
	}
	if p.net.sent(p.server, ChunkShutdownAck) != 1 || p.net.sent(p.client, ChunkShutdownComplete) != 1 {
		t.Error("关闭握手的块数量不符")
	}
	if err := c.Close(); !errors.Is(err, ErrAssociationClosed) {
		t.Errorf("重复关闭: got %v", err)
	}
}

func TestShutdownWaitsForPeerData(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	p.connect(t)
	c, s := p.c(), p.s()

	for i := 0; i < 8; i++ {
		if err := s.Send(1, payload(1200, byte(i)), SendOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateShutdownSent {
		t.Fatalf("本端无数据时应立即发送 SHUTDOWN: %s", c.State())
	}
	if !p.net.runUntil(func() bool { return c.State() == StateClosed && s.State() == StateClosed }, 20*time.Second) {
		t.Fatalf("未完成关闭: client=%s server=%s", c.State(), s.State())
	}
	if n := len(receiveAll(c)); n != 8 {
		t.Errorf("对端排队的数据应在关闭前送达: %d", n)
	}
	if s.Outstanding() != 0 {
		t.Errorf("被动方在途字节: %d", s.Outstanding())
	}
}

func TestShutdownGuardExpires(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownGuard = 20 * time.Second
	p := newPair(t, cfg, testConfig(), 1000, 5000, false)
	p.connect(t)
	c := p.c()

	p.net.drop = func(w wire) bool { return p.net.nodes[w.src] == p.server }
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !p.net.runUntil(func() bool { return c.State() == StateClosed }, time.Minute) {
		t.Fatalf("保护定时器未触发: %s", c.State())
	}
	n, ok := p.client.rec.last(NotifyConnLost)
	if !ok || !errors.Is(n.Err, ErrConnectionLost) {
		t.Errorf("失败通知: %+v", n)
	}
	if got := p.net.sent(p.client, ChunkShutdown); got < 2 {
		t.Errorf("SHUTDOWN 应被重传: %d", got)
	}
}

func TestCloseBeforeEstablished(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	c := p.c()
	if err := c.Connect(p.client.addrs, p.server.addrs); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateClosed || p.client.rec.count(NotifyClosed) != 1 {
		t.Fatalf("握手中关闭: %s", c.State())
	}
	p.net.run(10 * time.Second)
	if got := p.net.sent(p.client, ChunkInit); got != 1 {
		t.Errorf("关闭后不应重传 INIT: %d", got)
	}
}
