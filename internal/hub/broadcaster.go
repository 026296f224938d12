package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"guardian-relay/internal/models"
	"guardian-relay/internal/wire"
)

// Broadcaster 事件扇出：将规范化事件重新序列化后投递给消费者集合
// 单个连接投递失败不影响其余连接，失败连接被注销并关闭
// 无投递确认，至多一次
type Broadcaster struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *Metrics
}

// NewBroadcaster 创建扇出器
func NewBroadcaster(registry *Registry, logger *zap.Logger, metrics *Metrics) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger, metrics: metrics}
}

// Broadcast 将事件投递给当前消费者集合的快照
func (b *Broadcaster) Broadcast(event models.Event) {
	data, err := wire.Encode(event)
	if err != nil {
		b.logger.Error("failed to encode event for broadcast",
			zap.String("kind", string(event.Kind())),
			zap.Error(err),
		)
		return
	}
	b.BroadcastRaw(data)
}

// BroadcastRaw 投递一帧已编码数据
func (b *Broadcaster) BroadcastRaw(data []byte) {
	start := time.Now()
	for _, c := range b.registry.OfRole(RoleConsumer) {
		if c.Closed() {
			continue
		}
		if err := c.WriteFrame(data); err != nil {
			b.logger.Warn("delivery failed, dropping consumer",
				zap.String("conn_id", c.ID()),
				zap.Error(err),
			)
			b.metrics.IncDeliveryFailures()
			b.registry.Unregister(c)
			c.Close(websocket.CloseInternalServerErr, "write failed")
		}
	}
	b.metrics.IncBroadcasts()
	b.metrics.ObserveBroadcast(time.Since(start).Seconds())
}
