// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 管理服务 - Prometheus 指标、健康检查、偶联查询与 websocket 事件推送
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// ServerOptions 服务地址与路由
type ServerOptions struct {
	Listen      string
	MetricsPath string
	HealthPath  string
	EventsPath  string
}

// Server 管理服务器
type Server struct {
	opts ServerOptions

	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	registry   *prometheus.Registry
	collector  *Collector
	hub        *Hub
	upgrader   websocket.Upgrader

	healthy     int32
	healthCheck func() HealthStatus
	startTime   time.Time

	mu sync.RWMutex
	wg sync.WaitGroup
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewServer 创建管理服务器; collector 注册到独立 registry
func NewServer(opts ServerOptions, collector *Collector, hub *Hub) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if opts.EventsPath == "" {
		opts.EventsPath = "/events"
	}

	// 创建自定义 registry，避免污染全局
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if collector != nil {
		registry.MustRegister(collector)
	}

	s := &Server{
		opts:      opts,
		router:    mux.NewRouter(),
		registry:  registry,
		collector: collector,
		hub:       hub,
		healthy:   1,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	r.HandleFunc(s.opts.HealthPath, s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(s.opts.HealthPath+"/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc(s.opts.HealthPath+"/ready", s.handleReadiness).Methods(http.MethodGet)

	r.HandleFunc("/associations", s.handleAssociations).Methods(http.MethodGet)
	r.HandleFunc("/associations/{id:[0-9]+}", s.handleAssociation).Methods(http.MethodGet)

	r.HandleFunc(s.opts.EventsPath, s.handleEvents)
	r.HandleFunc(s.opts.EventsPath+"/recent", s.handleRecentEvents).Methods(http.MethodGet)
}

// Registry 供其他组件注册指标
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Handler 路由处理器
func (s *Server) Handler() http.Handler { return s.router }

// SetHealthCheck 设置健康检查函数
func (s *Server) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheck = fn
}

// SetHealthy 设置存活状态
func (s *Server) SetHealthy(healthy bool) {
	if healthy {
		atomic.StoreInt32(&s.healthy, 1)
	} else {
		atomic.StoreInt32(&s.healthy, 0)
	}
}

func (s *Server) log() *log.Entry {
	return log.WithField("component", "metrics")
}

// Start 监听并在后台服务; 返回时端口已绑定
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return errors.Wrapf(err, "监听 %s 失败", s.opts.Listen)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log().WithError(err).Error("服务器错误")
		}
	}()
	s.log().WithField("addr", ln.Addr().String()).Info("管理服务已启动")
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Listen
	}
	return s.listener.Addr().String()
}

// Stop 停止服务器并断开事件订阅
func (s *Server) Stop() error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("写入 JSON 响应失败")
	}
}

func (s *Server) status() HealthStatus {
	s.mu.RLock()
	healthCheck := s.healthCheck
	s.mu.RUnlock()

	if healthCheck != nil {
		return healthCheck()
	}
	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.startTime).String(),
		Components: map[string]ComponentHealth{},
	}
	if atomic.LoadInt32(&s.healthy) == 0 {
		status.Status = "unhealthy"
	}
	if s.collector != nil {
		status.Components["associations"] = ComponentHealth{
			Status:  "healthy",
			Message: strconv.Itoa(s.collector.Active()) + " active",
		}
	}
	return status
}

// handleHealth 健康检查处理
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleLiveness 存活探针
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.healthy) == 1 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT OK"))
	}
}

// handleReadiness 就绪探针
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := s.status()
	if status.Status == "healthy" || status.Status == "degraded" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT READY"))
}

func (s *Server) handleAssociations(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeJSON(w, http.StatusOK, []AssociationInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Associations())
}

func (s *Server) handleAssociation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if s.collector != nil {
		if info, ok := s.collector.Association(uint32(id)); ok {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "偶联不存在"})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if s.hub == nil {
		writeJSON(w, http.StatusOK, []Event{})
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Recent(limit))
}

// handleEvents websocket 推送; ?history=N 先补发最近 N 条
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "事件推送未启用", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().WithError(err).Warn("websocket 升级失败")
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	// 读端只用于感知对端关闭
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unsubscribe(sub)
				return
			}
		}
	}()

	if n, _ := strconv.Atoi(r.URL.Query().Get("history")); n > 0 {
		recent := s.hub.Recent(n)
		for i := len(recent) - 1; i >= 0; i-- {
			if err := s.writeEvent(conn, recent[i]); err != nil {
				return
			}
		}
	}

	for ev := range sub.C {
		if err := s.writeEvent(conn, ev); err != nil {
			s.log().WithError(err).Debug("websocket 写入失败")
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (s *Server) writeEvent(conn *websocket.Conn, ev Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
