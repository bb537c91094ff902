package sctp

import (
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/cmtsctp/internal/cookie"
)

const testPeerTag = 0xabcdef

// listenerFixture 只有被动方的网络, 主动方的包由测试直接构造
func listenerFixture(t *testing.T, lifetime time.Duration, opts ...cookie.Option) (*testNet, *testNode) {
	t.Helper()
	n := newTestNet(t)
	cfg := testConfig()
	cfg.CookieLifetime = lifetime
	srv := n.server(cfg, 5000, serverAddr1, serverAddr2)
	srv.opts.Sealer = newTestSealer(t, lifetime, opts...)
	srv.listener = NewListener(srv.cfg, srv.opts, srv.addrs)
	return n, srv
}

func initPacket() *Packet {
	return &Packet{SrcPort: 5000, DstPort: 5001, Chunks: []Chunk{&Init{
		InitiateTag:     testPeerTag,
		ARwnd:           DefaultARwnd,
		OutboundStreams: 4,
		InboundStreams:  32,
		InitialTSN:      77,
		ForwardTSN:      true,
	}}}
}

// requestCookie 发送 INIT 并取回 INIT-ACK
func requestCookie(t *testing.T, n *testNet, srv *testNode) *InitAck {
	t.Helper()
	st, err := srv.listener.HandlePacket(initPacket(), clientAddr1)
	if err != nil || st != nil {
		t.Fatalf("INIT 应答: st=%v err=%v", st, err)
	}
	for i := len(n.log) - 1; i >= 0; i-- {
		for _, c := range n.log[i].pkt.Chunks {
			if ack, ok := c.(*InitAck); ok {
				if n.log[i].pkt.VerificationTag != testPeerTag {
					t.Fatalf("INIT-ACK 验证标签: %x", n.log[i].pkt.VerificationTag)
				}
				return ack
			}
		}
	}
	t.Fatal("未发送 INIT-ACK")
	return nil
}

func echoPacket(ack *InitAck, tag uint32) *Packet {
	return &Packet{SrcPort: 5000, DstPort: 5001, VerificationTag: tag, Chunks: []Chunk{
		&CookieEcho{Cookie: append([]byte(nil), ack.Cookie...)},
	}}
}

func TestListenerAnswersInitStatelessly(t *testing.T) {
	n, srv := listenerFixture(t, DefaultCookieLifetime)
	ack := requestCookie(t, n, srv)
	if ack.InitialTSN != 5000 {
		t.Errorf("初始 TSN: %d", ack.InitialTSN)
	}
	if ack.OutboundStreams != DefaultStreams || ack.InboundStreams != 4 {
		t.Errorf("流数协商: out=%d in=%d", ack.OutboundStreams, ack.InboundStreams)
	}
	if len(ack.Addresses) != 2 || !ack.ForwardTSN {
		t.Errorf("INIT-ACK 参数: %+v", ack.Init)
	}
	if srv.assoc != nil {
		t.Fatal("收到 INIT 时不应创建偶联")
	}

	st, err := srv.listener.HandlePacket(echoPacket(ack, ack.InitiateTag), clientAddr1)
	if err != nil {
		t.Fatalf("合法 cookie 被拒绝: %v", err)
	}
	if st.PeerTag != testPeerTag || st.PeerInitialTSN != 77 || !st.PeerFeatures.Has(cookie.FeatureForwardTSN) {
		t.Errorf("cookie 状态: %+v", st)
	}
	if st.PeerFeatures.Has(cookie.FeatureReConfig) {
		t.Error("对端未声明流重置支持")
	}
}

func TestListenerRejectsBadCookies(t *testing.T) {
	tests := []struct {
		name    string
		mangle  func(n *testNet, p *Packet)
		wantErr error
	}{
		{"篡改", func(_ *testNet, p *Packet) {
			ce := p.Chunks[0].(*CookieEcho)
			ce.Cookie[len(ce.Cookie)/2] ^= 0xff
		}, ErrCookieInvalid},
		{"截断", func(_ *testNet, p *Packet) {
			ce := p.Chunks[0].(*CookieEcho)
			ce.Cookie = ce.Cookie[:4]
		}, ErrCookieInvalid},
		{"标签不符", func(_ *testNet, p *Packet) {
			p.VerificationTag++
		}, ErrTagMismatch},
		{"过期", func(n *testNet, _ *Packet) {
			n.run(2 * time.Second)
		}, ErrCookieStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, srv := listenerFixture(t, time.Second)
			ack := requestCookie(t, n, srv)
			pkt := echoPacket(ack, ack.InitiateTag)
			tt.mangle(n, pkt)
			st, err := srv.listener.HandlePacket(pkt, clientAddr1)
			if !errors.Is(err, tt.wantErr) || st != nil {
				t.Fatalf("got st=%v err=%v, want %v", st, err, tt.wantErr)
			}
		})
	}
}

func TestStaleCookieReportsError(t *testing.T) {
	n, srv := listenerFixture(t, time.Second)
	ack := requestCookie(t, n, srv)
	n.run(3 * time.Second)
	if _, err := srv.listener.HandlePacket(echoPacket(ack, ack.InitiateTag), clientAddr1); !errors.Is(err, ErrCookieStale) {
		t.Fatalf("got %v", err)
	}
	last := n.log[len(n.log)-1]
	ec, ok := last.pkt.Chunks[0].(*ErrorChunk)
	if !ok || last.pkt.VerificationTag != testPeerTag {
		t.Fatalf("应回送 ERROR: %+v", last.pkt)
	}
	if len(ec.Causes) != 1 || ec.Causes[0].Code != CauseStaleCookie || ec.Causes[0].Staleness <= 0 {
		t.Errorf("过期原因: %+v", ec.Causes)
	}
}

func TestReplayedCookieRejected(t *testing.T) {
	guard := cookie.NewReplayGuard(time.Minute, epoch)
	n, srv := listenerFixture(t, DefaultCookieLifetime, cookie.WithReplayGuard(guard))
	ack := requestCookie(t, n, srv)
	if _, err := srv.listener.HandlePacket(echoPacket(ack, ack.InitiateTag), clientAddr1); err != nil {
		t.Fatalf("首次使用: %v", err)
	}
	if _, err := srv.listener.HandlePacket(echoPacket(ack, ack.InitiateTag), clientAddr1); !errors.Is(err, ErrCookieReplayed) {
		t.Fatalf("重放: got %v", err)
	}
}

func TestListenerRejectsInvalidFirstChunk(t *testing.T) {
	_, srv := listenerFixture(t, DefaultCookieLifetime)
	tests := []struct {
		name string
		pkt  *Packet
		want error
	}{
		{"空包", &Packet{}, ErrMalformed},
		{"INIT 标签非零", func() *Packet { p := initPacket(); p.VerificationTag = 1; return p }(), ErrProtocolViolation},
		{"INIT 捆绑", func() *Packet {
			p := initPacket()
			p.Chunks = append(p.Chunks, &Heartbeat{})
			return p
		}(), ErrProtocolViolation},
		{"无偶联的 DATA", &Packet{Chunks: []Chunk{dataChunk(1, 0, 0, true, true, "x")}}, ErrProtocolViolation},
		{"INIT 标签为零", func() *Packet {
			p := initPacket()
			p.Chunks[0].(*Init).InitiateTag = 0
			return p
		}(), ErrProtocolViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := srv.listener.HandlePacket(tt.pkt, clientAddr1); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStaleCookieRestartsInit(t *testing.T) {
	ccfg := testConfig()
	ccfg.MaxInitRetrans = 2
	scfg := testConfig()
	scfg.CookieLifetime = time.Millisecond
	p := newPair(t, ccfg, scfg, 1000, 5000, false)
	if err := p.c().Connect(p.client.addrs, p.server.addrs); err != nil {
		t.Fatal(err)
	}
	p.net.run(10 * time.Second)

	if p.c().State() != StateClosed || p.server.accepted != 0 {
		t.Fatalf("cookie 总是过期时不应建立: state=%s accepted=%d", p.c().State(), p.server.accepted)
	}
	if got := p.net.sent(p.client, ChunkInit); got != 3 {
		t.Errorf("INIT 次数: got %d, want 3", got)
	}
	n, ok := p.client.rec.last(NotifyConnLost)
	if !ok || !errors.Is(n.Err, ErrInitFailed) {
		t.Errorf("失败通知: %+v", n)
	}
}

func TestLostCookieAckIsRepeated(t *testing.T) {
	p := newPair(t, testConfig(), testConfig(), 1000, 5000, false)
	dropped := false
	p.net.drop = func(w wire) bool {
		if !dropped && w.has(ChunkCookieAck) {
			dropped = true
			return true
		}
		return false
	}
	p.connect(t)
	if p.server.accepted != 1 {
		t.Errorf("重发的 COOKIE-ECHO 不应创建新偶联: %d", p.server.accepted)
	}
	if p.net.sent(p.client, ChunkCookieEcho) != 2 {
		t.Errorf("COOKIE-ECHO 次数: %d", p.net.sent(p.client, ChunkCookieEcho))
	}
}
