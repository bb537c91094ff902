// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML/TOML 加载、集中校验、端口关联同步与偶联参数转换
// =============================================================================
package config

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mrcgq/cmtsctp/internal/congestion"
	"github.com/mrcgq/cmtsctp/internal/cookie"
	"github.com/mrcgq/cmtsctp/internal/sctp"
)

// Config 主配置
type Config struct {
	// Listen 本端 UDP 地址, 多个地址即多归属
	Listen []string `yaml:"listen" toml:"listen"`
	// Remote 对端 UDP 地址, 仅客户端使用
	Remote []string `yaml:"remote" toml:"remote"`

	Ports       PortsConfig       `yaml:"ports" toml:"ports"`
	Log         LogConfig         `yaml:"log" toml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Association AssociationConfig `yaml:"association" toml:"association"`
	Cookie      CookieConfig      `yaml:"cookie" toml:"cookie"`
}

// PortsConfig SCTP 公共头中的端口, 0 表示取第一个 UDP 地址的端口
type PortsConfig struct {
	Local uint16 `yaml:"local" toml:"local"`
	Peer  uint16 `yaml:"peer" toml:"peer"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Listen     string `yaml:"listen" toml:"listen"`
	Path       string `yaml:"path" toml:"path"`
	HealthPath string `yaml:"health_path" toml:"health_path"`
	EventsPath string `yaml:"events_path" toml:"events_path"`
}

// AssociationConfig 偶联协议参数, 时间均以毫秒计
type AssociationConfig struct {
	RTOInitialMs int     `yaml:"rto_initial_ms" toml:"rto_initial_ms"`
	RTOMinMs     int     `yaml:"rto_min_ms" toml:"rto_min_ms"`
	RTOMaxMs     int     `yaml:"rto_max_ms" toml:"rto_max_ms"`
	RTOAlpha     float64 `yaml:"rto_alpha" toml:"rto_alpha"`
	RTOBeta      float64 `yaml:"rto_beta" toml:"rto_beta"`

	MaxInitRetrans      int  `yaml:"max_init_retrans" toml:"max_init_retrans"`
	MaxInitRTOMs        int  `yaml:"max_init_rto_ms" toml:"max_init_rto_ms"`
	AssocMaxRetrans     int  `yaml:"assoc_max_retrans" toml:"assoc_max_retrans"`
	PathMaxRetrans      int  `yaml:"path_max_retrans" toml:"path_max_retrans"`
	HeartbeatIntervalMs int  `yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	Heartbeats          bool `yaml:"heartbeats" toml:"heartbeats"`

	SackDelayMs   int    `yaml:"sack_delay_ms" toml:"sack_delay_ms"`
	SackFrequency int    `yaml:"sack_frequency" toml:"sack_frequency"`
	ARwnd         uint32 `yaml:"arwnd" toml:"arwnd"`

	OutboundStreams uint16 `yaml:"outbound_streams" toml:"outbound_streams"`
	InboundStreams  uint16 `yaml:"inbound_streams" toml:"inbound_streams"`
	MaxMessageSize  int    `yaml:"max_message_size" toml:"max_message_size"`
	SendQueueLimit  int    `yaml:"send_queue_limit" toml:"send_queue_limit"`

	Nagle            bool   `yaml:"nagle" toml:"nagle"`
	CMT              bool   `yaml:"cmt" toml:"cmt"`
	Variant          string `yaml:"cc_variant" toml:"cc_variant"`
	RtxPolicy        string `yaml:"rtx_policy" toml:"rtx_policy"`
	Scheduler        string `yaml:"scheduler" toml:"scheduler"`
	StrictBooking    bool   `yaml:"strict_booking" toml:"strict_booking"`
	BufferSplitting  bool   `yaml:"buffer_splitting" toml:"buffer_splitting"`
	FastRtxThreshold int    `yaml:"fast_rtx_threshold" toml:"fast_rtx_threshold"`
	FastRecovery     bool   `yaml:"fast_recovery" toml:"fast_recovery"`
	DisableReneging  bool   `yaml:"disable_reneging" toml:"disable_reneging"`
	MaxBurst         int    `yaml:"max_burst" toml:"max_burst"`
	CheckSackSeq     bool   `yaml:"check_sack_seq" toml:"check_sack_seq"`

	ShutdownGuardMs int  `yaml:"shutdown_guard_ms" toml:"shutdown_guard_ms"`
	ForwardTSN      bool `yaml:"forward_tsn" toml:"forward_tsn"`
	ReConfig        bool `yaml:"reconfig" toml:"reconfig"`
}

// CookieConfig 状态 cookie 配置
type CookieConfig struct {
	// Secret base64 编码的 32 字节密钥, 使用 --gen-config 生成
	Secret         string `yaml:"secret" toml:"secret"`
	LifetimeMs     int    `yaml:"lifetime_ms" toml:"lifetime_ms"`
	ReplayWindowMs int    `yaml:"replay_window_ms" toml:"replay_window_ms"`
}

// Load 加载配置, 按扩展名选择 YAML 或 TOML
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "读取配置失败")
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, errors.Wrap(err, "解析 TOML 配置失败")
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "解析配置失败")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.syncRelatedConfig()

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	d := sctp.DefaultConfig()
	return &Config{
		Listen: []string{"0.0.0.0:9899"},

		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},

		Metrics: MetricsConfig{
			Enabled:    true,
			Listen:     ":9100",
			Path:       "/metrics",
			HealthPath: "/health",
			EventsPath: "/events",
		},

		Association: AssociationConfig{
			RTOInitialMs: ms(d.RTO.Initial),
			RTOMinMs:     ms(d.RTO.Min),
			RTOMaxMs:     ms(d.RTO.Max),
			RTOAlpha:     d.RTO.Alpha,
			RTOBeta:      d.RTO.Beta,

			MaxInitRetrans:      d.MaxInitRetrans,
			MaxInitRTOMs:        ms(d.MaxInitRTO),
			AssocMaxRetrans:     d.AssocMaxRetrans,
			PathMaxRetrans:      d.PathMaxRetrans,
			HeartbeatIntervalMs: ms(d.HeartbeatInterval),
			Heartbeats:          d.HeartbeatsEnabled,

			SackDelayMs:   ms(d.SackDelay),
			SackFrequency: d.SackFrequency,
			ARwnd:         d.ARwnd,

			OutboundStreams: d.OutboundStreams,
			InboundStreams:  d.InboundStreams,
			MaxMessageSize:  d.MaxMessageSize,
			SendQueueLimit:  d.SendQueueLimit,

			Nagle:            d.Nagle,
			CMT:              d.CMT,
			Variant:          d.Variant.String(),
			RtxPolicy:        d.RtxPolicy.String(),
			Scheduler:        d.Scheduler.String(),
			StrictBooking:    d.StrictBooking,
			BufferSplitting:  d.BufferSplitting,
			FastRtxThreshold: d.FastRtxThreshold,
			FastRecovery:     d.FastRecovery,
			DisableReneging:  d.DisableReneging,
			MaxBurst:         d.MaxBurst,
			CheckSackSeq:     d.CheckSackSeq,

			ShutdownGuardMs: ms(d.ShutdownGuard),
			ForwardTSN:      d.ForwardTSN,
			ReConfig:        d.ReConfig,
		},

		Cookie: CookieConfig{
			LifetimeMs:     ms(d.CookieLifetime),
			ReplayWindowMs: ms(d.CookieLifetime),
		},
	}
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Validate 验证配置, 一次报告全部问题
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, errors.Errorf(format, args...))
	}

	// 地址
	if len(c.Listen) == 0 {
		add("listen 至少需要一个地址")
	}
	seen := map[string]bool{}
	for i, s := range c.Listen {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			add("listen[%d] 地址格式错误: %v", i, err)
			continue
		}
		if seen[ap.String()] {
			add("listen[%d] 重复: %s", i, s)
		}
		seen[ap.String()] = true
	}
	for i, s := range c.Remote {
		if _, err := netip.ParseAddrPort(s); err != nil {
			add("remote[%d] 地址格式错误: %v", i, err)
		}
	}

	// 日志
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level 无效: %s", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format 只能是 text 或 json: %s", c.Log.Format)
	}

	if c.Metrics.Enabled {
		if _, err := parsePort(c.Metrics.Listen); err != nil {
			add("metrics.listen 端口格式错误: %v", err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path 必须以 / 开头")
		}
	}

	if err := c.Association.validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Cookie.validate(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// validate 偶联参数的取值范围
func (a *AssociationConfig) validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, errors.Errorf(format, args...))
	}

	if a.RTOMinMs < 1 || a.RTOMinMs > 60000 {
		add("association.rto_min_ms 需在 1-60000 之间")
	}
	if a.RTOMaxMs < a.RTOMinMs || a.RTOMaxMs > 600000 {
		add("association.rto_max_ms 需不小于 rto_min_ms 且不超过 600000")
	}
	if a.RTOInitialMs < a.RTOMinMs || a.RTOInitialMs > a.RTOMaxMs {
		add("association.rto_initial_ms 需在 rto_min_ms 与 rto_max_ms 之间")
	}
	if a.RTOAlpha <= 0 || a.RTOAlpha >= 1 {
		add("association.rto_alpha 需在 (0, 1) 之间")
	}
	if a.RTOBeta <= 0 || a.RTOBeta >= 1 {
		add("association.rto_beta 需在 (0, 1) 之间")
	}
	if a.MaxInitRetrans < 1 || a.MaxInitRetrans > 50 {
		add("association.max_init_retrans 需在 1-50 之间")
	}
	if a.AssocMaxRetrans < 1 || a.PathMaxRetrans < 1 {
		add("association.assoc_max_retrans 与 path_max_retrans 必须为正")
	} else if a.PathMaxRetrans > a.AssocMaxRetrans {
		add("association.path_max_retrans (%d) 不应大于 assoc_max_retrans (%d)", a.PathMaxRetrans, a.AssocMaxRetrans)
	}
	if a.Heartbeats && a.HeartbeatIntervalMs < 1 {
		add("association.heartbeat_interval_ms 必须为正")
	}
	if a.SackDelayMs < 0 || a.SackDelayMs > 500 {
		add("association.sack_delay_ms 需在 0-500 之间")
	}
	if a.SackFrequency < 1 {
		add("association.sack_frequency 必须为正")
	}
	if a.ARwnd < 1500 {
		add("association.arwnd 不能小于 1500")
	}
	if a.OutboundStreams == 0 || a.InboundStreams == 0 {
		add("association.outbound_streams 与 inbound_streams 必须为正")
	}
	if a.MaxMessageSize < 1 {
		add("association.max_message_size 必须为正")
	}
	if a.SendQueueLimit < 0 {
		add("association.send_queue_limit 不能为负")
	}
	if _, ok := congestion.ParseVariant(a.Variant); !ok {
		add("association.cc_variant 未知: %s", a.Variant)
	}
	if _, err := sctp.ParseRtxPolicy(a.RtxPolicy); err != nil {
		add("association.rtx_policy 未知: %s", a.RtxPolicy)
	}
	if _, err := sctp.ParseScheduler(a.Scheduler); err != nil {
		add("association.scheduler 未知: %s", a.Scheduler)
	}
	if a.FastRtxThreshold < 1 {
		add("association.fast_rtx_threshold 必须为正")
	}
	if a.MaxBurst < 0 {
		add("association.max_burst 不能为负")
	}
	if a.ShutdownGuardMs < 1 {
		add("association.shutdown_guard_ms 必须为正")
	}
	return result.ErrorOrNil()
}

// validate cookie 密钥与时间窗口
func (c *CookieConfig) validate() error {
	var result *multierror.Error
	if c.Secret == "" {
		result = multierror.Append(result, errors.New("cookie.secret 不能为空"))
	} else if _, err := cookie.NewSealerFromBase64(c.Secret, time.Second); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "cookie.secret 无效"))
	}
	if c.LifetimeMs < 1 {
		result = multierror.Append(result, errors.New("cookie.lifetime_ms 必须为正"))
	}
	if c.ReplayWindowMs < 0 {
		result = multierror.Append(result, errors.New("cookie.replay_window_ms 不能为负"))
	}
	return result.ErrorOrNil()
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	// SCTP 端口未指定时沿用 UDP 端口
	if c.Ports.Local == 0 && len(c.Listen) > 0 {
		if p, err := parsePort(c.Listen[0]); err == nil {
			c.Ports.Local = uint16(p)
		}
	}
	if c.Ports.Peer == 0 && len(c.Remote) > 0 {
		if p, err := parsePort(c.Remote[0]); err == nil {
			c.Ports.Peer = uint16(p)
		}
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
	if c.Metrics.EventsPath == "" {
		c.Metrics.EventsPath = "/events"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

func parseAddrs(list []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(list))
	for _, s := range list {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, errors.Wrapf(err, "地址 %s", s)
		}
		out = append(out, ap)
	}
	return out, nil
}

// ListenAddrs 本端地址列表
func (c *Config) ListenAddrs() ([]netip.AddrPort, error) { return parseAddrs(c.Listen) }

// RemoteAddrs 对端地址列表
func (c *Config) RemoteAddrs() ([]netip.AddrPort, error) { return parseAddrs(c.Remote) }

// ToAssociationConfig 转换为偶联配置; 调用前需已通过 Validate
func (c *Config) ToAssociationConfig() sctp.Config {
	a := c.Association
	out := sctp.DefaultConfig()

	out.LocalPort = c.Ports.Local
	out.PeerPort = c.Ports.Peer
	out.RTO = congestion.RTOConfig{
		Initial:    millis(a.RTOInitialMs),
		Min:        millis(a.RTOMinMs),
		Max:        millis(a.RTOMaxMs),
		Alpha:      a.RTOAlpha,
		Beta:       a.RTOBeta,
		OncePerRTT: out.RTO.OncePerRTT,
	}
	out.MaxInitRetrans = a.MaxInitRetrans
	out.MaxInitRTO = millis(a.MaxInitRTOMs)
	out.AssocMaxRetrans = a.AssocMaxRetrans
	out.PathMaxRetrans = a.PathMaxRetrans
	out.HeartbeatInterval = millis(a.HeartbeatIntervalMs)
	out.HeartbeatsEnabled = a.Heartbeats
	out.SackDelay = millis(a.SackDelayMs)
	out.SackFrequency = a.SackFrequency
	out.ARwnd = a.ARwnd
	out.OutboundStreams = a.OutboundStreams
	out.InboundStreams = a.InboundStreams
	out.MaxMessageSize = a.MaxMessageSize
	out.SendQueueLimit = a.SendQueueLimit
	out.Nagle = a.Nagle
	out.CMT = a.CMT
	out.Variant, _ = congestion.ParseVariant(a.Variant)
	if p, err := sctp.ParseRtxPolicy(a.RtxPolicy); err == nil {
		out.RtxPolicy = p
	}
	if s, err := sctp.ParseScheduler(a.Scheduler); err == nil {
		out.Scheduler = s
	}
	out.StrictBooking = a.StrictBooking
	out.BufferSplitting = a.BufferSplitting
	out.FastRtxThreshold = a.FastRtxThreshold
	out.FastRecovery = a.FastRecovery
	out.DisableReneging = a.DisableReneging
	out.MaxBurst = a.MaxBurst
	out.CheckSackSeq = a.CheckSackSeq
	out.ShutdownGuard = millis(a.ShutdownGuardMs)
	out.CookieLifetime = millis(c.Cookie.LifetimeMs)
	out.ForwardTSN = a.ForwardTSN
	out.ReConfig = a.ReConfig
	return out
}

// NewSealer 按 cookie 配置创建 Sealer, 设置了重放窗口时附带重放保护
func (c *Config) NewSealer(now time.Time) (*cookie.Sealer, error) {
	var opts []cookie.Option
	if c.Cookie.ReplayWindowMs > 0 {
		opts = append(opts, cookie.WithReplayGuard(cookie.NewReplayGuard(millis(c.Cookie.ReplayWindowMs), now)))
	}
	return cookie.NewSealerFromBase64(c.Cookie.Secret, millis(c.Cookie.LifetimeMs), opts...)
}

// SetupLogging 应用日志级别与格式
func (c *Config) SetupLogging() error {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return errors.Wrap(err, "log.level")
	}
	log.SetLevel(level)
	switch strings.ToLower(c.Log.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置, secret 为空时留占位符
func GenerateExampleConfig(secret string) string {
	if secret == "" {
		secret = "your-base64-secret-here"
	}
	return `# cmt-peer 配置文件示例
# =============================================================================

# 本端 UDP 地址, 多个地址即多归属
listen:
  - "0.0.0.0:9899"

# 对端 UDP 地址 (客户端模式)
remote:
  - "127.0.0.1:9899"

# SCTP 端口, 0 表示沿用第一个 UDP 地址的端口
ports:
  local: 0
  peer: 0

log:
  level: "info"                     # debug, info, warn, error
  format: "text"                    # text, json

metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  events_path: "/events"            # websocket 通知推送

association:
  rto_initial_ms: 3000
  rto_min_ms: 1000
  rto_max_ms: 60000
  rto_alpha: 0.125
  rto_beta: 0.25
  max_init_retrans: 8
  max_init_rto_ms: 240000
  assoc_max_retrans: 10
  path_max_retrans: 5
  heartbeat_interval_ms: 30000
  heartbeats: true
  sack_delay_ms: 200
  sack_frequency: 2
  arwnd: 65536
  outbound_streams: 17
  inbound_streams: 17
  max_message_size: 1048576
  send_queue_limit: 0               # 0 表示不限制
  nagle: false
  cmt: false                        # 并发多路径传输
  cc_variant: "cmt"                 # cmt, cmtrpv1, cmtrpv2, lia, olia
  rtx_policy: "round_robin"         # round_robin, same_path, smallest_srtt, largest_cwnd
  scheduler: "fcfs"                 # fcfs, round_robin, round_robin_packet, priority, fair_bandwidth
  strict_booking: false
  buffer_splitting: false
  fast_rtx_threshold: 3
  fast_recovery: true
  disable_reneging: false
  max_burst: 4
  check_sack_seq: true
  shutdown_guard_ms: 180000
  forward_tsn: true
  reconfig: true

cookie:
  secret: "` + secret + `"
  lifetime_ms: 60000
  replay_window_ms: 60000           # 0 关闭重放保护
`
}

// WriteExampleConfig 写入示例配置文件, 附带新生成的密钥
func WriteExampleConfig(path string) error {
	secret, err := cookie.GenerateSecret()
	if err != nil {
		return errors.Wrap(err, "生成 cookie 密钥失败")
	}
	return os.WriteFile(path, []byte(GenerateExampleConfig(secret)), 0644)
}
