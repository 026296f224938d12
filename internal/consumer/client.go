// Package consumer 仪表盘侧的中继客户端：
// 建立连接、声明消费者角色、异常断开时按指数退避重连，
// 并把入站事件合并到本地状态（最新遥测槽位与有界报警列表）
package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"guardian-relay/internal/models"
	"guardian-relay/internal/wire"
)

// State 连接状态机状态
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
	StateError        State = "error"
)

const (
	// MaxReconnectAttempts 重连次数上限，超出后不再调度重连
	MaxReconnectAttempts = 5
	// LocalAlertCap 本地报警列表容量，超出淘汰最旧
	LocalAlertCap = 50

	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Backoff 第 attempt 次重连前的等待时长：min(1s·2^attempt, 30s)
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		return maxBackoff
	}
	d := baseBackoff * time.Duration(1<<uint(attempt))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Client 中继消费者客户端
type Client struct {
	url    string
	logger *zap.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	attempts   int
	retryTimer *time.Timer
	closed     bool

	latest models.Event
	alerts []*models.FallAlert
	unread int
	status string

	wg sync.WaitGroup
}

// New 创建客户端；url 形如 ws://host:8080/
func New(url string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		logger: logger,
		dialer: websocket.DefaultDialer,
		state:  StateDisconnected,
	}
}

// Connect 建立连接并声明消费者角色
// 拨号或握手失败按异常断开处理：在次数限制内调度退避重连
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	identify, _ := json.Marshal(map[string]string{
		"type":   "identify",
		"client": "react",
	})
	if err := conn.WriteMessage(websocket.TextMessage, identify); err != nil {
		_ = conn.Close()
		c.mu.Lock()
		c.state = StateError
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("failed to identify: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	// 连接成功即重置重试计数
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("connected to relay", zap.String("url", c.url))
	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Close 主动断开，终止态：取消未触发的重连定时器，不再重连
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.state = StateClosing
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Info("client closed")
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.handleMessage(data)
	}
}

// handleDisconnect 断开分类：
// 正常关闭码或主动断开不重连；异常关闭在次数限制内调度退避重连
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = nil
	if c.closed || c.state == StateClosing {
		c.state = StateDisconnected
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Info("relay closed connection normally")
		c.state = StateDisconnected
		return
	}

	c.logger.Warn("connection lost", zap.Error(err))
	c.state = StateError
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked 调度下一次重连；调用方须持有 c.mu
func (c *Client) scheduleReconnectLocked() {
	if c.closed {
		return
	}
	if c.attempts >= MaxReconnectAttempts {
		c.logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", c.attempts),
		)
		c.state = StateDisconnected
		return
	}

	delay := Backoff(c.attempts)
	c.attempts++
	c.logger.Info("scheduling reconnect",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.attempts),
	)
	c.retryTimer = time.AfterFunc(delay, func() {
		_ = c.Connect()
	})
}

// handleMessage 将入站帧合并到本地状态：
// 遥测/状态覆盖最新槽位；报警追加到有界列表并累计未读；
// 历史回放帧整体替换列表
func (c *Client) handleMessage(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		c.logger.Debug("dropping undecodable frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch v := msg.(type) {
	case *models.SensorReading:
		c.latest = v
	case *models.SystemStatus:
		c.latest = v
	case *models.FallAlert:
		c.appendAlertLocked(v)
		c.unread++
	case *wire.AlertHistory:
		c.alerts = c.alerts[:0]
		for _, a := range v.Alerts {
			c.appendAlertLocked(a)
		}
	case *wire.ConnectionAck:
		c.status = v.Message
	}
}

func (c *Client) appendAlertLocked(a *models.FallAlert) {
	c.alerts = append(c.alerts, a)
	if len(c.alerts) > LocalAlertCap {
		c.alerts = c.alerts[len(c.alerts)-LocalAlertCap:]
	}
}

// State 当前状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts 当前重试计数
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LatestTelemetry 最新遥测槽位（覆盖式，不累积）
func (c *Client) LatestTelemetry() models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Alerts 本地报警列表快照（旧到新）
func (c *Client) Alerts() []*models.FallAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.FallAlert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// UnreadAlerts 未读报警计数
func (c *Client) UnreadAlerts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// MarkAlertsRead 清零未读计数
func (c *Client) MarkAlertsRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread = 0
}

// ConnectionStatus 服务端确认帧携带的状态消息
func (c *Client) ConnectionStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
