package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"guardian-relay/internal/models"
	"guardian-relay/internal/wire"
)

// Dispatcher 中继的事件入口（hub.Dispatch）
type Dispatcher interface {
	Dispatch(event models.Event)
}

// Subscriber 桥接所需的 MQTT 订阅面
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Topics 接入主题；设备标识取自主题第二段
// 格式: guardian/{device_id}/telemetry、guardian/{device_id}/fall
type Topics struct {
	Telemetry string
	Fall      string
}

// Bridge MQTT 接入桥
type Bridge struct {
	client     Subscriber
	topics     Topics
	qos        byte
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewBridge 创建接入桥
func NewBridge(client Subscriber, topics Topics, qos byte, dispatcher Dispatcher, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		client:     client,
		topics:     topics,
		qos:        qos,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start 订阅接入主题
func (b *Bridge) Start(_ context.Context) error {
	if err := b.client.Subscribe(b.topics.Telemetry, b.qos, b.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}
	if err := b.client.Subscribe(b.topics.Fall, b.qos, b.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to fall topic: %w", err)
	}
	b.logger.Info("mqtt bridge started",
		zap.String("telemetry_topic", b.topics.Telemetry),
		zap.String("fall_topic", b.topics.Fall),
	)
	return nil
}

// Stop 取消订阅
func (b *Bridge) Stop(_ context.Context) error {
	if err := b.client.Unsubscribe(b.topics.Telemetry, b.topics.Fall); err != nil {
		b.logger.Error("failed to unsubscribe", zap.Error(err))
	}
	b.logger.Info("mqtt bridge stopped")
	return nil
}

// HandleMessage 处理一条 MQTT 消息：
// 解析主题中的设备标识，规范化载荷后交给中继调度
// 与 WebSocket 路径同样的容错：坏载荷丢弃并记录，订阅不中断
func (b *Bridge) HandleMessage(topic string, payload []byte) error {
	deviceID, err := DeviceFromTopic(topic)
	if err != nil {
		b.logger.Warn("dropping message with invalid topic",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return err
	}

	msg, err := wire.Decode(payload)
	if err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			b.logger.Warn("dropping malformed mqtt payload",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
		return err
	}

	switch e := msg.(type) {
	case *models.SensorReading:
		if e.DeviceID == "" {
			e.DeviceID = deviceID
		}
		if e.DataSource == "" {
			e.DataSource = "mqtt"
		}
		b.dispatcher.Dispatch(e)
	case *models.FallAlert:
		if e.DeviceID == "" {
			e.DeviceID = deviceID
		}
		b.dispatcher.Dispatch(e)
	case *models.SystemStatus:
		b.dispatcher.Dispatch(e)
	default:
		// identify 等控制帧对 MQTT 接入无意义
		return fmt.Errorf("unexpected message on topic %s", topic)
	}
	return nil
}

// DeviceFromTopic 从主题中提取设备标识
func DeviceFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], nil
}
