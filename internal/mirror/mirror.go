// Package mirror 将规范化事件镜像到 Redis Streams，
// 供下游分析/告警服务按消费者组读取
// 与持久化转发器同样的失败隔离：投递失败只记录日志，不影响扇出
package mirror

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"guardian-relay/internal/models"
)

// DefaultStream 默认事件流名称
const DefaultStream = "guardian:events:stream"

const (
	queueSize   = 256
	publishWait = 5 * time.Second
)

// StreamMirror Redis Streams 事件镜像
// Publish 非阻塞：内部有界队列由单个 worker 排空，队列满时丢弃
type StreamMirror struct {
	client *redis.Client
	stream string
	logger *zap.Logger

	jobs     chan models.Event
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New 创建事件镜像
func New(client *redis.Client, stream string, logger *zap.Logger) *StreamMirror {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamMirror{
		client: client,
		stream: stream,
		logger: logger,
		jobs:   make(chan models.Event, queueSize),
	}
}

// Start 启动镜像 worker
func (m *StreamMirror) Start() {
	m.wg.Add(1)
	go m.worker()
	m.logger.Info("event mirror started", zap.String("stream", m.stream))
}

// Stop 停止接收并排空在途事件
func (m *StreamMirror) Stop() {
	m.stopOnce.Do(func() {
		close(m.jobs)
	})
	m.wg.Wait()
}

// Publish 将事件入队；队列满时丢弃，不阻塞调用方
func (m *StreamMirror) Publish(event models.Event) {
	select {
	case m.jobs <- event:
	default:
		m.logger.Warn("mirror queue full, dropping event",
			zap.String("kind", string(event.Kind())),
		)
	}
}

func (m *StreamMirror) worker() {
	defer m.wg.Done()
	for event := range m.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), publishWait)
		if _, err := m.publish(ctx, event); err != nil {
			m.logger.Error("failed to mirror event to stream",
				zap.String("stream", m.stream),
				zap.String("kind", string(event.Kind())),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// publish XADD 一条事件，data 字段为事件 JSON
func (m *StreamMirror) publish(ctx context.Context, event models.Event) (string, error) {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		Values: map[string]interface{}{
			"kind":      string(event.Kind()),
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
}
