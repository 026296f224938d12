// Package hub 遥测与跌倒报警的中继扇出核心：
// 连接生命周期管理、角色分类、消息规范化、有界报警历史与回放、
// 广播扇出、尽力而为的异步持久化转发。
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"guardian-relay/internal/models"
	"guardian-relay/internal/wire"
)

// 默认参数与来源系统保持一致
const (
	DefaultHistoryCapacity = 100
	DefaultReplayCount     = 10
)

// Forwarder 持久化转发面：提交不得阻塞调用方的扇出路径
type Forwarder interface {
	SubmitReading(r *models.SensorReading)
	SubmitAlert(a *models.FallAlert)
}

// EventSink 附加事件下游（如 Redis Streams 镜像），投递须非阻塞
type EventSink interface {
	Publish(event models.Event)
}

// Options 中继服务构造参数
type Options struct {
	Addr            string
	Path            string
	HistoryCapacity int
	ReplayCount     int
	Logger          *zap.Logger
	Metrics         *Metrics
	Forwarder       Forwarder
	Mirror          EventSink
	MetricsHandler  http.Handler
}

// Hub 中继服务本体
type Hub struct {
	opts        Options
	logger      *zap.Logger
	registry    *Registry
	ring        *AlertRing
	broadcaster *Broadcaster
	metrics     *Metrics
	upgrader    websocket.Upgrader

	server   *http.Server
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
}

// New 创建中继服务
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.ReplayCount <= 0 {
		opts.ReplayCount = DefaultReplayCount
	}
	if opts.Path == "" {
		opts.Path = "/"
	}

	registry := NewRegistry(opts.Logger, opts.Metrics)
	return &Hub{
		opts:        opts,
		logger:      opts.Logger,
		registry:    registry,
		ring:        NewAlertRing(opts.HistoryCapacity),
		broadcaster: NewBroadcaster(registry, opts.Logger, opts.Metrics),
		metrics:     opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 单端点供所有角色共用，无鉴权（部署层关注点）
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
}

// Registry 暴露注册表（测试与指标用）
func (h *Hub) Registry() *Registry { return h.registry }

// History 暴露报警历史环
func (h *Hub) History() *AlertRing { return h.ring }

// Addr 实际监听地址（端口 0 时由系统分配）
func (h *Hub) Addr() string {
	if h.listener == nil {
		return h.opts.Addr
	}
	return h.listener.Addr().String()
}

// Start 绑定监听端口并开始服务
// 绑定失败是中继内部唯一的致命错误，同步返回给调用方
func (h *Hub) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", h.opts.Addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(h.opts.Path, h.handleWebSocket)
	if h.opts.MetricsHandler != nil {
		mux.Handle("/metrics", h.opts.MetricsHandler)
	}
	h.server = &http.Server{Handler: mux}
	h.running.Store(true)

	h.wg.Add(2)
	go h.serve()
	go h.maintainConnections(ctx)

	h.logger.Info("relay hub listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", h.opts.Path),
	)
	return nil
}

func (h *Hub) serve() {
	defer h.wg.Done()
	if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.logger.Error("http server failed", zap.Error(err))
	}
}

// maintainConnections 周期性心跳，剔除失联连接
func (h *Hub) maintainConnections(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			for _, c := range h.registry.All() {
				if err := c.Ping(); err != nil {
					h.registry.Unregister(c)
					c.Close(websocket.CloseGoingAway, "ping failed")
				}
			}
		}
	}
}

// Stop 优雅关停：先以正常关闭码断开所有连接，再关闭监听端口
func (h *Hub) Stop(ctx context.Context) error {
	if !h.running.CompareAndSwap(true, false) {
		return nil
	}
	close(h.shutdown)

	for _, c := range h.registry.All() {
		c.Close(websocket.CloseNormalClosure, "server shutting down")
		h.registry.Unregister(c)
	}

	var err error
	if h.server != nil {
		err = h.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("connection goroutines did not exit before deadline")
	}

	h.logger.Info("relay hub stopped")
	return err
}

// handleWebSocket 升级连接并进入读循环
// 每条连接独立处理，入站顺序按连接内保持
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(ws)
	h.registry.Register(conn, RoleUnclassified)
	h.logger.Info("new connection", zap.String("conn_id", conn.ID()))

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	h.wg.Add(1)
	go h.readLoop(conn, ws)
}

func (h *Hub) readLoop(conn *Conn, ws *websocket.Conn) {
	defer h.wg.Done()
	defer func() {
		h.registry.Unregister(conn)
		conn.Close(websocket.CloseNormalClosure, "")
		h.logger.Info("connection closed", zap.String("conn_id", conn.ID()))
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(conn, data)
	}
}

// handleFrame 处理一帧入站消息
// 解析失败只丢弃消息，连接保持打开；未知类别静默丢弃
func (h *Hub) handleFrame(conn *Conn, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			h.metrics.IncMalformed()
			h.logger.Warn("dropping malformed frame",
				zap.String("conn_id", conn.ID()),
				zap.Error(err),
			)
		}
		return
	}

	switch v := msg.(type) {
	case *wire.Identify:
		h.handleIdentify(conn, v)
	case *models.SensorReading:
		h.Dispatch(v)
	case *models.FallAlert:
		h.Dispatch(v)
	case *models.SystemStatus:
		h.Dispatch(v)
	default:
		// connection/alert_history 是服务端下行帧，来自对端时忽略
	}
}

// handleIdentify 角色分类：登记连接并回发确认帧；
// 新加入的消费者立即收到至多 ReplayCount 条报警历史回放
func (h *Hub) handleIdentify(conn *Conn, ident *wire.Identify) {
	role := RoleForClient(ident.Client)
	if role == RoleUnclassified {
		h.logger.Warn("ignoring identify with unknown client",
			zap.String("conn_id", conn.ID()),
			zap.String("client", ident.Client),
		)
		return
	}

	h.registry.Register(conn, role)
	h.logger.Info("connection identified",
		zap.String("conn_id", conn.ID()),
		zap.String("role", string(role)),
	)

	if err := h.sendJSON(conn, wire.ConnectionAck{
		Type:    "connection",
		Status:  "connected",
		Message: fmt.Sprintf("connected to relay as %s", role),
	}); err != nil {
		return
	}

	if role == RoleConsumer {
		if alerts := h.ring.Recent(h.opts.ReplayCount); len(alerts) > 0 {
			_ = h.sendJSON(conn, wire.AlertHistory{Type: "alert_history", Alerts: alerts})
		}
	}
}

func (h *Hub) sendJSON(conn *Conn, v any) error {
	data, err := wire.EncodeFrame(v)
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(data); err != nil {
		h.metrics.IncDeliveryFailures()
		h.registry.Unregister(conn)
		conn.Close(websocket.CloseInternalServerErr, "write failed")
		return err
	}
	return nil
}

// Dispatch 规范化事件进入三个汇点：
// 报警历史环（仅跌倒报警）、持久化转发器、广播扇出
// WebSocket 读循环与 MQTT 接入桥共用此入口
func (h *Hub) Dispatch(event models.Event) {
	now := time.Now()

	switch e := event.(type) {
	case *models.SensorReading:
		e.Stamp(now)
		h.metrics.IncFrames(string(models.KindSensorReading))
		if h.opts.Forwarder != nil {
			h.opts.Forwarder.SubmitReading(e)
		}
	case *models.FallAlert:
		e.Normalize(now)
		h.metrics.IncFrames(string(models.KindFallAlert))
		h.ring.Append(e)
		h.logger.Warn("fall alert received",
			zap.String("alert_id", e.AlertID),
			zap.String("device_id", e.DeviceID),
			zap.String("severity", string(e.Severity)),
			zap.Float64("magnitude", e.Magnitude),
		)
		if h.opts.Forwarder != nil {
			h.opts.Forwarder.SubmitAlert(e)
		}
	case *models.SystemStatus:
		// 状态上报仅广播，不持久化
		e.Stamp(now)
		h.metrics.IncFrames(string(models.KindSystemStatus))
	}

	if h.opts.Mirror != nil {
		h.opts.Mirror.Publish(event)
	}
	h.broadcaster.Broadcast(event)
}
