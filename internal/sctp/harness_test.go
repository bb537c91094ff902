package sctp

import (
	"net/netip"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/cmtsctp/internal/clock"
	"github.com/mrcgq/cmtsctp/internal/cookie"
	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	clientAddr1 = netip.MustParseAddrPort("10.0.0.1:5000")
	clientAddr2 = netip.MustParseAddrPort("10.1.0.1:5000")
	serverAddr1 = netip.MustParseAddrPort("10.0.0.2:5001")
	serverAddr2 = netip.MustParseAddrPort("10.1.0.2:5001")

	testSecret = []byte("0123456789abcdef0123456789abcdef")
)

func init() {
	log.SetLevel(log.WarnLevel)
}

// recorder 记录全部通知
type recorder struct {
	notes []Notification
}

func (r *recorder) HandleNotification(n Notification) { r.notes = append(r.notes, n) }

func (r *recorder) count(k NotificationKind) int {
	n := 0
	for _, v := range r.notes {
		if v.Kind == k {
			n++
		}
	}
	return n
}

func (r *recorder) last(k NotificationKind) (Notification, bool) {
	for i := len(r.notes) - 1; i >= 0; i-- {
		if r.notes[i].Kind == k {
			return r.notes[i], true
		}
	}
	return Notification{}, false
}

// wire 网络上的一个包
type wire struct {
	pkt      *Packet
	src, dst netip.AddrPort
}

func (w wire) data() []*Data {
	var out []*Data
	for _, c := range w.pkt.Chunks {
		if d, ok := c.(*Data); ok {
			out = append(out, d)
		}
	}
	return out
}

func (w wire) has(t ChunkType) bool {
	for _, c := range w.pkt.Chunks {
		if c.Type() == t {
			return true
		}
	}
	return false
}

// testNet 内存网络: 固定时延, 按目的地址投递, 可按规则丢包
type testNet struct {
	t       *testing.T
	clk     *clock.Virtual
	latency time.Duration
	nodes   map[netip.AddrPort]*testNode
	// 返回 true 时丢弃
	drop        func(w wire) bool
	unreachable map[netip.AddrPort]bool
	log         []wire
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{
		t:           t,
		clk:         clock.NewVirtual(epoch),
		latency:     10 * time.Millisecond,
		nodes:       make(map[netip.AddrPort]*testNode),
		unreachable: make(map[netip.AddrPort]bool),
	}
}

// testNode 一个端点: 主动方持有偶联, 被动方持有监听器并在 COOKIE-ECHO 后创建偶联
type testNode struct {
	net      *testNet
	addrs    []netip.AddrPort
	cfg      Config
	opts     Options
	rec      *recorder
	assoc    *Association
	listener *Listener
	accepted int
}

// nodeNet 某个端点视角的 Network
type nodeNet struct {
	n    *testNet
	node *testNode
}

func (nn nodeNet) Route(dest netip.AddrPort) Route {
	if nn.n.unreachable[dest] {
		return Route{}
	}
	return Route{MTU: DefaultMTU, OK: true}
}

func (nn nodeNet) Transmit(pkt *Packet, dest netip.AddrPort) error {
	w := wire{pkt: pkt, src: nn.srcFor(dest), dst: dest}
	n := nn.n
	n.log = append(n.log, w)
	if n.drop != nil && n.drop(w) {
		return nil
	}
	n.clk.Schedule(n.latency, func() { n.deliver(w) })
	return nil
}

// srcFor 与目的地址同下标的本地地址
func (nn nodeNet) srcFor(dest netip.AddrPort) netip.AddrPort {
	if peer, ok := nn.n.nodes[dest]; ok {
		for i, a := range peer.addrs {
			if a == dest && i < len(nn.node.addrs) {
				return nn.node.addrs[i]
			}
		}
	}
	return nn.node.addrs[0]
}

func (n *testNet) deliver(w wire) {
	node, ok := n.nodes[w.dst]
	if !ok {
		return
	}
	if node.assoc != nil && node.assoc.State() != StateClosed {
		_ = node.assoc.HandlePacket(w.pkt, w.src)
		if err := node.assoc.checkInvariants(); err != nil {
			n.t.Errorf("不变量被破坏: %v", err)
		}
		return
	}
	if node.listener == nil {
		return
	}
	st, err := node.listener.HandlePacket(w.pkt, w.src)
	if err != nil || st == nil {
		return
	}
	node.assoc = New(node.cfg, node.opts)
	node.accepted++
	if err := node.assoc.Accept(st, w.pkt, w.src); err != nil {
		n.t.Errorf("Accept 失败: %v", err)
	}
}

func (n *testNet) addNode(cfg Config, initialTSN uint32, addrs ...netip.AddrPort) *testNode {
	node := &testNode{net: n, addrs: addrs, cfg: cfg, rec: &recorder{}}
	node.opts = Options{
		Clock:      n.clk,
		Network:    nodeNet{n: n, node: node},
		Handler:    node.rec,
		InitialTSN: initialTSN,
		Sealer:     newTestSealer(n.t, cfg.CookieLifetime),
	}
	for _, a := range addrs {
		n.nodes[a] = node
	}
	return node
}

// client 主动方
func (n *testNet) client(cfg Config, initialTSN uint32, addrs ...netip.AddrPort) *testNode {
	cfg.LocalPort, cfg.PeerPort = addrs[0].Port(), 5001
	node := n.addNode(cfg, initialTSN, addrs...)
	node.assoc = New(cfg, node.opts)
	return node
}

// server 被动方
func (n *testNet) server(cfg Config, initialTSN uint32, addrs ...netip.AddrPort) *testNode {
	cfg.LocalPort, cfg.PeerPort = addrs[0].Port(), 5000
	node := n.addNode(cfg, initialTSN, addrs...)
	node.listener = NewListener(cfg, node.opts, addrs)
	return node
}

// step 推进到下一个定时事件; 没有事件或超过 deadline 时返回 false
func (n *testNet) step(deadline time.Time) bool {
	next, ok := n.clk.Next()
	if !ok || next.After(deadline) {
		return false
	}
	n.clk.AdvanceTo(next)
	return true
}

// runUntil 推进时钟直到 cond 成立
func (n *testNet) runUntil(cond func() bool, max time.Duration) bool {
	deadline := n.clk.Now().Add(max)
	for !cond() {
		if !n.step(deadline) {
			return cond()
		}
	}
	return true
}

// run 推进固定时长
func (n *testNet) run(d time.Duration) {
	n.clk.Advance(d)
}

// dataSent 从某端点发出且 TSN 为 tsn 的 DATA 块数量
func (n *testNet) dataSent(from *testNode, tsn seqnum.TSN) int {
	cnt := 0
	for _, w := range n.log {
		if n.nodes[w.src] != from {
			continue
		}
		for _, d := range w.data() {
			if d.TSN == tsn {
				cnt++
			}
		}
	}
	return cnt
}

func (n *testNet) sent(from *testNode, t ChunkType) int {
	cnt := 0
	for _, w := range n.log {
		if n.nodes[w.src] == from && w.has(t) {
			cnt++
		}
	}
	return cnt
}

func newTestSealer(t *testing.T, lifetime time.Duration, opts ...cookie.Option) *cookie.Sealer {
	t.Helper()
	s, err := cookie.NewSealer(testSecret, lifetime, opts...)
	if err != nil {
		t.Fatalf("创建 Sealer 失败: %v", err)
	}
	return s
}

// testConfig 测试用配置: 关闭 Nagle, 保留默认定时器
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Nagle = false
	return cfg
}

// pair 一对已连接的端点
type pair struct {
	net    *testNet
	client *testNode
	server *testNode
}

func newPair(t *testing.T, ccfg, scfg Config, clientTSN, serverTSN uint32, multi bool) *pair {
	t.Helper()
	n := newTestNet(t)
	caddrs := []netip.AddrPort{clientAddr1}
	saddrs := []netip.AddrPort{serverAddr1}
	if multi {
		caddrs = append(caddrs, clientAddr2)
		saddrs = append(saddrs, serverAddr2)
	}
	p := &pair{
		net:    n,
		client: n.client(ccfg, clientTSN, caddrs...),
		server: n.server(scfg, serverTSN, saddrs...),
	}
	return p
}

// connect 完成握手
func (p *pair) connect(t *testing.T) {
	t.Helper()
	if err := p.client.assoc.Connect(p.client.addrs, p.server.addrs[:1]); err != nil {
		t.Fatalf("Connect 失败: %v", err)
	}
	ok := p.net.runUntil(func() bool {
		return p.client.assoc.State() == StateEstablished &&
			p.server.assoc != nil && p.server.assoc.State() == StateEstablished
	}, 10*time.Second)
	if !ok {
		t.Fatalf("握手未完成: client=%s", p.client.assoc.State())
	}
}

func (p *pair) c() *Association { return p.client.assoc }
func (p *pair) s() *Association { return p.server.assoc }

// dropClientData 丢弃主动方发出的全部 DATA
func (p *pair) dropClientData() {
	p.net.drop = func(w wire) bool {
		return p.net.nodes[w.src] == p.client && w.has(ChunkData)
	}
}

// receiveAll 读出被动方已交付的全部消息
func receiveAll(a *Association) []Message {
	var out []Message
	for {
		m, err := a.ReceiveAny()
		if err != nil {
			return out
		}
		out = append(out, m)
	}
}

// sackPacket 构造发往主动方的 SACK
func sackPacket(a *Association, s *Sack) *Packet {
	return &Packet{
		SrcPort:         a.cfg.PeerPort,
		DstPort:         a.cfg.LocalPort,
		VerificationTag: a.LocalTag(),
		Chunks:          []Chunk{s},
	}
}

func gaps(pairs ...uint32) []GapBlock {
	var out []GapBlock
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, GapBlock{Start: seqnum.TSN(pairs[i]), End: seqnum.TSN(pairs[i+1])})
	}
	return out
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}
