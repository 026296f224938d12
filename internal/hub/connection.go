package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// 单条消息写超时，超时的慢消费者按投递失败处理
	writeWait = 5 * time.Second
	// 读超时，需大于 pingPeriod
	pongWait = 60 * time.Second
	// 心跳周期
	pingPeriod = 30 * time.Second
)

// socket Conn 依赖的底层连接写入面，便于无网络单元测试
type socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn 注册表持有的连接句柄
// gorilla/websocket 不允许并发写同一连接，writeMu 串行化所有写入
type Conn struct {
	id      string
	ws      socket
	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// NewConn 包装一条已升级的 WebSocket 连接
func NewConn(ws socket) *Conn {
	return &Conn{id: uuid.NewString(), ws: ws}
}

// ID 连接唯一标识
func (c *Conn) ID() string { return c.id }

// Closed 连接是否已销毁
func (c *Conn) Closed() bool { return c.closed.Load() }

// WriteFrame 带写超时地发送一帧文本消息
func (c *Conn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping 发送心跳控制帧
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close 关闭连接，code 为 WebSocket 关闭码；可安全重复调用
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
