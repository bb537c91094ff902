// =============================================================================
// 文件: cmd/cmt-peer/main.go
// 描述: 主程序入口 - 多归属 SCTP/CMT 对端, 服务端回显, 客户端发送并校验回显
// =============================================================================
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/cmtsctp/internal/config"
	"github.com/mrcgq/cmtsctp/internal/metrics"
	"github.com/mrcgq/cmtsctp/internal/sctp"
	"github.com/mrcgq/cmtsctp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// echoPPID 客户端负载协议标识
const echoPPID = 0x434d54

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	mode := flag.String("mode", "server", "运行模式: server/client")
	count := flag.Int("count", 1000, "客户端发送的消息数")
	size := flag.Int("size", 1024, "每条消息的字节数")
	streams := flag.Int("streams", 4, "客户端使用的流数")
	timeout := flag.Duration("timeout", 60*time.Second, "客户端总超时")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.SetupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "日志配置错误: %v\n", err)
		os.Exit(1)
	}
	if *mode != "server" && *mode != "client" {
		fmt.Fprintf(os.Stderr, "未知模式: %s\n", *mode)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n正在关闭...")
		cancel()
	}()

	p, err := newPeer(cfg, *mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}
	printBanner(cfg, *mode, p)

	switch *mode {
	case "server":
		err = p.serve(ctx)
	case "client":
		runCtx, stop := context.WithTimeout(ctx, *timeout)
		err = p.run(runCtx, *count, *size, *streams)
		stop()
	}
	if cerr := p.close(); cerr != nil {
		log.WithError(cerr).Warn("关闭时出错")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}

// peer 进程内的全部组件
type peer struct {
	cfg      *config.Config
	endpoint *transport.Endpoint
	server   *metrics.Server
	hub      *metrics.Hub
	stats    *metrics.Collector
}

func newPeer(cfg *config.Config, mode string) (*peer, error) {
	local, err := cfg.ListenAddrs()
	if err != nil {
		return nil, err
	}
	sealer, err := cfg.NewSealer(time.Now())
	if err != nil {
		return nil, err
	}

	p := &peer{cfg: cfg, hub: metrics.NewHub()}
	p.stats = metrics.NewCollector(metrics.WithHub(p.hub))

	var epMetrics *metrics.EndpointMetrics
	if cfg.Metrics.Enabled {
		p.server = metrics.NewServer(metrics.ServerOptions{
			Listen:      cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  cfg.Metrics.HealthPath,
			EventsPath:  cfg.Metrics.EventsPath,
		}, p.stats, p.hub)
		epMetrics = metrics.NewEndpointMetrics(p.server.Registry())
		if err := p.server.Start(); err != nil {
			return nil, err
		}
	}

	network, err := transport.ListenUDP(local, transport.WithMetrics(epMetrics))
	if err != nil {
		p.close()
		return nil, err
	}
	p.endpoint = transport.NewEndpoint(context.Background(), network, transport.EndpointOptions{
		Config:  cfg.ToAssociationConfig(),
		Sealer:  sealer,
		Handler: p.hub,
		Stats:   p.stats,
		Metrics: epMetrics,
		Logger:  log.WithField("mode", mode),
	})
	if p.server != nil {
		p.server.SetHealthCheck(p.health)
	}
	return p, nil
}

// health 端点与网络统计作为健康检查组件
func (p *peer) health() metrics.HealthStatus {
	stats := p.endpoint.GetStats()
	status := metrics.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Components: map[string]metrics.ComponentHealth{
			"endpoint": {
				Status: "healthy",
				Message: fmt.Sprintf("%d 个偶联, 收 %d 发 %d 包",
					stats["associations"], stats["packets_recv"], stats["packets_sent"]),
			},
			"associations": {
				Status:  "healthy",
				Message: fmt.Sprintf("%d active", p.stats.Active()),
			},
		},
	}
	if n := stats["packets_dropped"]; n > 0 {
		status.Components["endpoint"] = metrics.ComponentHealth{
			Status:  "degraded",
			Message: fmt.Sprintf("丢弃 %d 个无法解码的包", n),
		}
	}
	return status
}

func (p *peer) close() error {
	var err error
	if p.server != nil {
		p.server.SetHealthy(false)
	}
	if p.endpoint != nil {
		err = p.endpoint.Close()
	}
	if p.server != nil {
		if serr := p.server.Stop(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// ----------------------------------------------------------------------------
// 服务端
// ----------------------------------------------------------------------------

// serve 接受偶联并回显, 直到 ctx 取消
func (p *peer) serve(ctx context.Context) error {
	if err := p.endpoint.Listen(); err != nil {
		return err
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := p.endpoint.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrEndpointClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			echo(ctx, conn)
		}()
	}
}

func echo(ctx context.Context, conn *transport.Conn) {
	logger := log.WithField("assoc", conn.ID())
	logger.Info("接受偶联")
	var n int
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			logger.WithError(err).WithField("echoed", n).Info("回显结束")
			return
		}
		if err := conn.Send(ctx, msg.Stream, msg.Data, sctp.SendOptions{
			PPID:      msg.PPID,
			Unordered: msg.Unordered,
		}); err != nil {
			logger.WithError(err).Warn("回显失败")
			return
		}
		n++
	}
}

// ----------------------------------------------------------------------------
// 客户端
// ----------------------------------------------------------------------------

// run 发送 count 条消息, 等待全部回显后优雅关闭
func (p *peer) run(ctx context.Context, count, size, streams int) error {
	if size < 8 {
		size = 8
	}
	if streams <= 0 {
		streams = 1
	}
	remotes, err := p.cfg.RemoteAddrs()
	if err != nil {
		return err
	}
	if len(remotes) == 0 {
		return errors.New("客户端模式需要配置 remote")
	}

	start := time.Now()
	conn, err := p.endpoint.Dial(ctx, remotes)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"assoc":     conn.ID(),
		"handshake": time.Since(start),
	}).Info("偶联已建立")

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- receiveEchoes(ctx, conn, count, size)
	}()

	start = time.Now()
	for i := 0; i < count; i++ {
		if err := conn.Send(ctx, uint16(i%streams), payload(i, size), sctp.SendOptions{PPID: echoPPID}); err != nil {
			return errors.Wrapf(err, "发送第 %d 条消息", i)
		}
	}
	if err := <-recvErr; err != nil {
		return err
	}
	elapsed := time.Since(start)

	paths, _ := conn.Paths(ctx)
	printReport(count, size, elapsed, paths)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Close(closeCtx)
}

// payload 前 8 字节为序号, 其余为可校验的填充
func payload(i, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint64(b, uint64(i))
	for j := 8; j < size; j++ {
		b[j] = byte(i + j)
	}
	return b
}

func receiveEchoes(ctx context.Context, conn *transport.Conn, count, size int) error {
	seen := make([]bool, count)
	for got := 0; got < count; got++ {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return errors.Wrapf(err, "已收到 %d/%d 条回显", got, count)
		}
		if len(msg.Data) < 8 {
			return errors.Errorf("回显过短: %d 字节", len(msg.Data))
		}
		i := int(binary.BigEndian.Uint64(msg.Data))
		if i < 0 || i >= count || seen[i] {
			return errors.Errorf("意外的回显序号 %d", i)
		}
		if !bytes.Equal(msg.Data, payload(i, size)) {
			return errors.Errorf("回显 %d 内容不一致", i)
		}
		seen[i] = true
	}
	return nil
}

// ----------------------------------------------------------------------------
// 输出
// ----------------------------------------------------------------------------

func printReport(count, size int, elapsed time.Duration, paths []sctp.PathSnapshot) {
	total := float64(count*size) * 2
	fmt.Println()
	fmt.Printf("消息: %d x %d 字节, 往返耗时 %s\n", count, size, elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		fmt.Printf("吞吐: %.2f Mbps (双向)\n", total*8/elapsed.Seconds()/1e6)
	}
	fmt.Println("路径:")
	for _, ps := range paths {
		fmt.Printf("  %-22s active=%-5t primary=%-5t cwnd=%-7d srtt=%-8s rto=%s\n",
			ps.Addr, ps.Active, ps.Primary, ps.Cwnd, ps.SRTT.Round(time.Microsecond), ps.RTO)
	}
}

func printVersion() {
	fmt.Printf("cmt-peer v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("运行模式:")
	fmt.Println("  - server : 接受偶联并回显")
	fmt.Println("  - client : 发送消息并校验回显")
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  cmt-peer -gen-config")
	fmt.Println("  cmt-peer -c server.yaml -mode server")
	fmt.Println("  cmt-peer -c client.yaml -mode client -count 10000 -size 1200 -streams 8")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics       : Prometheus 格式指标")
	fmt.Println("  - /health        : JSON 健康状态")
	fmt.Println("  - /associations  : 偶联与路径快照")
	fmt.Println("  - /events        : websocket 通知推送")
}

func printBanner(cfg *config.Config, mode string, p *peer) {
	a := cfg.Association
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  cmt-peer v%-46s║\n", Version)
	fmt.Println("╚══════════════════════════════════════════════════════════╝")
	fmt.Printf("  模式:     %s\n", mode)
	fmt.Printf("  本地地址: %v\n", p.endpoint.Network().BoundAddrs())
	if mode == "client" {
		fmt.Printf("  对端地址: %v\n", cfg.Remote)
	}
	fmt.Printf("  CMT:      %t (cc=%s, rtx=%s, sched=%s)\n", a.CMT, a.Variant, a.RtxPolicy, a.Scheduler)
	fmt.Printf("  流:       out=%d in=%d\n", a.OutboundStreams, a.InboundStreams)
	if p.server != nil {
		fmt.Printf("  监控:     http://%s%s\n", p.server.Addr(), cfg.Metrics.Path)
	}
	fmt.Println()
}
