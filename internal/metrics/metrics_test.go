package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mrcgq/cmtsctp/internal/sctp"
)

var pathA = netip.MustParseAddrPort("10.0.0.1:9899")

func snapshot(addr netip.AddrPort, cwnd uint32) sctp.PathSnapshot {
	return sctp.PathSnapshot{
		Addr:     addr,
		Active:   true,
		Primary:  true,
		MTU:      1500,
		Cwnd:     cwnd,
		Ssthresh: 65536,
		SRTT:     20 * time.Millisecond,
		RTO:      time.Second,
		CCState:  "slow_start",
	}
}

// =============================================================================
// 收集器测试
// =============================================================================

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.StateChanged(7, sctp.StateEstablished)
	c.Add(7, sctp.CounterPacketsSent, 3)
	c.Add(7, sctp.CounterPacketsSent, 2)
	c.Add(7, sctp.CounterFastRetransmits, 1)
	c.PathUpdated(7, snapshot(pathA, 4380))

	expected := `
# HELP cmtsctp_association_packets_sent_total Association counter packets_sent
# TYPE cmtsctp_association_packets_sent_total counter
cmtsctp_association_packets_sent_total{assoc="7"} 5
# HELP cmtsctp_association_fast_retransmits_total Association counter fast_retransmits
# TYPE cmtsctp_association_fast_retransmits_total counter
cmtsctp_association_fast_retransmits_total{assoc="7"} 1
# HELP cmtsctp_association_active Number of associations not in CLOSED state
# TYPE cmtsctp_association_active gauge
cmtsctp_association_active 1
# HELP cmtsctp_path_cwnd_bytes Congestion window of the path
# TYPE cmtsctp_path_cwnd_bytes gauge
cmtsctp_path_cwnd_bytes{assoc="7",cc_state="slow_start",path="10.0.0.1:9899"} 4380
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"cmtsctp_association_packets_sent_total",
		"cmtsctp_association_fast_retransmits_total",
		"cmtsctp_association_active",
		"cmtsctp_path_cwnd_bytes",
	); err != nil {
		t.Error(err)
	}
}

func TestCollectorLint(t *testing.T) {
	c := NewCollector()
	c.StateChanged(1, sctp.StateEstablished)
	c.PathUpdated(1, snapshot(pathA, 3000))
	problems, err := testutil.CollectAndLint(c)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range problems {
		t.Errorf("指标规范问题: %s %s", p.Metric, p.Text)
	}
}

func TestCollectorSnapshots(t *testing.T) {
	c := NewCollector()
	c.StateChanged(2, sctp.StateEstablished)
	c.StateChanged(1, sctp.StateCookieWait)
	c.PathUpdated(2, snapshot(netip.MustParseAddrPort("10.0.1.1:9899"), 3000))
	c.PathUpdated(2, snapshot(pathA, 3000))
	c.PathUpdated(2, snapshot(pathA, 6000))
	c.Add(2, sctp.CounterBytesSent, 1200)

	all := c.Associations()
	if len(all) != 2 || all[0].ID != 1 || all[1].ID != 2 {
		t.Fatalf("应按编号排序: %+v", all)
	}
	info, ok := c.Association(2)
	if !ok {
		t.Fatal("偶联 2 不存在")
	}
	if info.State != "ESTABLISHED" || info.Counters["bytes_sent"] != 1200 {
		t.Errorf("快照: %+v", info)
	}
	if len(info.Paths) != 2 || info.Paths[0].Addr != pathA || info.Paths[0].Cwnd != 6000 {
		t.Errorf("路径应按地址排序并保留最新值: %+v", info.Paths)
	}
	if _, ok := c.Association(99); ok {
		t.Error("未知偶联不应存在")
	}
}

func TestCollectorRetention(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCollector(WithRetention(time.Minute), WithNow(func() time.Time { return now }))
	c.StateChanged(1, sctp.StateEstablished)
	c.StateChanged(1, sctp.StateClosed)
	if c.Active() != 0 || len(c.Associations()) != 1 {
		t.Fatal("刚关闭的偶联应保留")
	}

	now = now.Add(2 * time.Minute)
	c.StateChanged(2, sctp.StateEstablished)
	if _, ok := c.Association(1); ok {
		t.Error("超过保留时长应清除")
	}
	if c.Active() != 1 {
		t.Errorf("活跃数: %d", c.Active())
	}

	c.Forget(2)
	if len(c.Associations()) != 0 {
		t.Error("Forget 后应为空")
	}
}

func TestEndpointMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEndpointMetrics(reg)
	m.DatagramIn(100)
	m.DatagramIn(50)
	m.DatagramOut(80)
	m.AssociationOpened("client", 30*time.Millisecond)
	m.AssociationOpened("server", 0)
	m.AssociationClosed("server")
	m.RecordError("decode")

	if got := testutil.ToFloat64(m.Datagrams.WithLabelValues("in")); got != 2 {
		t.Errorf("入站数据报: %v", got)
	}
	if got := testutil.ToFloat64(m.DatagramBytes.WithLabelValues("in")); got != 150 {
		t.Errorf("入站字节: %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveAssociations); got != 1 {
		t.Errorf("活跃偶联: %v", got)
	}
	if got := testutil.ToFloat64(m.Errors.WithLabelValues("decode")); got != 1 {
		t.Errorf("错误计数: %v", got)
	}
	if n := testutil.CollectAndCount(m.HandshakeLatency); n != 1 {
		t.Errorf("握手延迟直方图: %d", n)
	}
}

// =============================================================================
// 事件中心测试
// =============================================================================

func TestHubHistory(t *testing.T) {
	h := NewHub()
	for i := 0; i < historySize+10; i++ {
		h.Publish(Event{Assoc: uint32(i), Kind: "STATE"})
	}
	recent := h.Recent(3)
	if len(recent) != 3 || recent[0].Assoc != historySize+9 || recent[2].Assoc != historySize+7 {
		t.Errorf("最近事件应倒序: %+v", recent)
	}
	if got := len(h.Recent(0)); got != historySize {
		t.Errorf("历史上限: got %d, want %d", got, historySize)
	}
}

func TestHubNotifications(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	h.HandleNotification(sctp.Notification{Kind: sctp.NotifyDataArrived, Assoc: 1})
	h.HandleNotification(sctp.Notification{Kind: sctp.NotifyPathStatus, Assoc: 1, Path: pathA, Active: false})
	h.HandleNotification(sctp.Notification{Kind: sctp.NotifyConnLost, Assoc: 1, Err: errors.New("超时")})

	want := []Event{
		{Assoc: 1, Kind: "PATH_STATUS", Path: pathA.String()},
		{Assoc: 1, Kind: "CONN_LOST", Error: "超时"},
	}
	for i, w := range want {
		select {
		case ev := <-sub.C:
			if ev.Kind != w.Kind || ev.Path != w.Path || ev.Error != w.Error {
				t.Errorf("事件 %d: got %+v, want %+v", i, ev, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("事件 %d 未送达", i)
		}
	}
	select {
	case ev := <-sub.C:
		t.Errorf("DATA_ARRIVED 不应推送: %+v", ev)
	default:
	}
}

func TestHubSlowSubscriber(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish(Event{Kind: "STATE"})
	}
	if got := h.GetStats()["dropped"].(uint64); got != 5 {
		t.Errorf("丢弃数: got %d, want 5", got)
	}
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	n := 0
	for range sub.C {
		n++
	}
	if n != subscriberBuffer {
		t.Errorf("缓冲事件数: %d", n)
	}
	if h.Subscribers() != 0 {
		t.Error("取消订阅后不应保留")
	}
}

// =============================================================================
// HTTP 服务测试
// =============================================================================

func testServer(t *testing.T) (*httptest.Server, *Collector, *Hub) {
	t.Helper()
	hub := NewHub()
	c := NewCollector(WithHub(hub))
	s := NewServer(ServerOptions{}, c, hub)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts, c, hub
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("解析 %s 响应: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestServerRoutes(t *testing.T) {
	ts, c, _ := testServer(t)
	c.StateChanged(5, sctp.StateEstablished)
	c.Add(5, sctp.CounterMessagesSent, 4)
	c.PathUpdated(5, snapshot(pathA, 3000))

	t.Run("健康检查", func(t *testing.T) {
		var status HealthStatus
		if code := getJSON(t, ts.URL+"/health", &status); code != http.StatusOK {
			t.Fatalf("状态码: %d", code)
		}
		if status.Status != "healthy" || status.Components["associations"].Message != "1 active" {
			t.Errorf("健康状态: %+v", status)
		}
	})

	t.Run("偶联列表", func(t *testing.T) {
		var list []AssociationInfo
		if code := getJSON(t, ts.URL+"/associations", &list); code != http.StatusOK || len(list) != 1 {
			t.Fatalf("code=%d list=%+v", code, list)
		}
		if list[0].Counters["messages_sent"] != 4 || len(list[0].Paths) != 1 {
			t.Errorf("偶联内容: %+v", list[0])
		}
	})

	t.Run("单个偶联", func(t *testing.T) {
		var info AssociationInfo
		if code := getJSON(t, ts.URL+"/associations/5", &info); code != http.StatusOK || info.ID != 5 {
			t.Errorf("code=%d info=%+v", code, info)
		}
		if code := getJSON(t, ts.URL+"/associations/6", nil); code != http.StatusNotFound {
			t.Errorf("未知偶联: %d", code)
		}
		if code := getJSON(t, ts.URL+"/associations/abc", nil); code != http.StatusNotFound {
			t.Errorf("非数字编号不应匹配路由: %d", code)
		}
	})

	t.Run("Prometheus", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), `cmtsctp_association_messages_sent_total{assoc="5"} 4`) {
			t.Error("指标输出缺少偶联计数器")
		}
	})

	t.Run("最近事件", func(t *testing.T) {
		var events []Event
		getJSON(t, ts.URL+"/events/recent?limit=5", &events)
		if len(events) != 1 || events[0].Kind != "STATE" || events[0].State != "ESTABLISHED" {
			t.Errorf("事件: %+v", events)
		}
	})
}

func TestServerUnhealthy(t *testing.T) {
	s := NewServer(ServerOptions{}, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	s.SetHealthy(false)
	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusServiceUnavailable {
		t.Errorf("不健康时状态码: %d", code)
	}
	resp, err := http.Get(ts.URL + "/health/live")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("存活探针: %d", resp.StatusCode)
	}
}

func TestServerEventsWebsocket(t *testing.T) {
	ts, c, hub := testServer(t)
	c.StateChanged(9, sctp.StateCookieWait)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?history=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var ev Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Assoc != 9 || ev.State != "COOKIE_WAIT" {
		t.Errorf("补发的历史事件: %+v", ev)
	}

	// 等待订阅生效
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.StateChanged(9, sctp.StateEstablished)
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.State != "ESTABLISHED" {
		t.Errorf("实时事件: %+v", ev)
	}
}
