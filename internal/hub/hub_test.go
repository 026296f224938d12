package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardian-relay/internal/models"
)

// recordingForwarder 持久化转发面的测试替身
type recordingForwarder struct {
	mu       sync.Mutex
	readings []*models.SensorReading
	alerts   []*models.FallAlert
}

func (f *recordingForwarder) SubmitReading(r *models.SensorReading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
}

func (f *recordingForwarder) SubmitAlert(a *models.FallAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
}

func (f *recordingForwarder) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings), len(f.alerts)
}

func startTestHub(t *testing.T, fwd Forwarder) *Hub {
	t.Helper()
	h := New(Options{
		Addr:      "127.0.0.1:0",
		Logger:    zap.NewNop(),
		Forwarder: fwd,
	})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/", h.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func identify(t *testing.T, conn *websocket.Conn, client string) {
	t.Helper()
	msg := fmt.Sprintf(`{"type":"identify","client":%q}`, client)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func waitForCount(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestIdentifyReturnsAck(t *testing.T) {
	h := startTestHub(t, nil)
	conn := dial(t, h)
	identify(t, conn, "react")

	ack := readFrame(t, conn)
	assert.Equal(t, "connection", ack["type"])
	assert.Equal(t, "connected", ack["status"])
	assert.Equal(t, "connected to relay as consumer", ack["message"])

	waitForCount(t, func() bool { return h.Registry().Count(RoleConsumer) == 1 })
}

func TestUnknownClientIgnored(t *testing.T) {
	h := startTestHub(t, nil)
	conn := dial(t, h)
	identify(t, conn, "fridge")

	// 无确认帧，连接保持未分类
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.Registry().Count(RoleConsumer))
}

func TestProducerEventReachesConsumer(t *testing.T) {
	fwd := &recordingForwarder{}
	h := startTestHub(t, fwd)

	consumer := dial(t, h)
	identify(t, consumer, "react")
	readFrame(t, consumer) // ack

	producer := dial(t, h)
	identify(t, producer, "raspberry")
	readFrame(t, producer) // ack

	reading := `{"type":"sensor_data","device_id":"dev1","acceleration":{"x":0,"y":0,"z":1}}`
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte(reading)))

	got := readFrame(t, consumer)
	assert.Equal(t, "sensor_data", got["type"])
	assert.Equal(t, "dev1", got["device_id"])
	// 服务端补全时间戳与模长
	assert.NotEmpty(t, got["timestamp"])
	assert.InDelta(t, 1.0, got["magnitude"].(float64), 1e-9)

	waitForCount(t, func() bool { r, _ := fwd.counts(); return r == 1 })
}

func TestFallAlertNormalizedAndReplayed(t *testing.T) {
	fwd := &recordingForwarder{}
	h := startTestHub(t, fwd)

	producer := dial(t, h)
	identify(t, producer, "raspberry_fall_detection")
	readFrame(t, producer) // ack

	// 12 条报警，历史回放只应带最近 10 条
	for i := 1; i <= 12; i++ {
		alert := fmt.Sprintf(`{"type":"fall_alert","device_id":"dev_%02d","severity":"high"}`, i)
		require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte(alert)))
	}
	waitForCount(t, func() bool { return h.History().Len() == 12 })

	consumer := dial(t, h)
	identify(t, consumer, "react")
	readFrame(t, consumer) // ack

	history := readFrame(t, consumer)
	assert.Equal(t, "alert_history", history["type"])
	alerts := history["alerts"].([]any)
	require.Len(t, alerts, 10)

	// 旧到新：第 3..12 条
	first := alerts[0].(map[string]any)
	last := alerts[9].(map[string]any)
	assert.Equal(t, "dev_03", first["device_id"])
	assert.Equal(t, "dev_12", last["device_id"])

	// 规范化字段已补全
	assert.NotEmpty(t, first["alert_id"])
	assert.Equal(t, "pending", first["status"])
	assert.Equal(t, 0.85, first["confidence"].(float64))

	_, na := fwd.counts()
	assert.Equal(t, 12, na)
}

func TestConsumerWithoutHistoryGetsNoReplay(t *testing.T) {
	h := startTestHub(t, nil)

	consumer := dial(t, h)
	identify(t, consumer, "react")
	readFrame(t, consumer) // ack

	// 无历史则无回放帧
	require.NoError(t, consumer.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := consumer.ReadMessage()
	assert.Error(t, err)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := startTestHub(t, nil)

	consumer := dial(t, h)
	identify(t, consumer, "react")
	readFrame(t, consumer) // ack

	producer := dial(t, h)
	identify(t, producer, "raspberry")
	readFrame(t, producer) // ack

	// 坏帧被丢弃，连接保持打开
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte("this is not json")))

	// 之后同一连接的好帧仍然被处理并扇出
	good := `{"type":"sensor_data","device_id":"after_bad"}`
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte(good)))

	got := readFrame(t, consumer)
	assert.Equal(t, "after_bad", got["device_id"])
}

func TestSystemStatusBroadcastOnly(t *testing.T) {
	fwd := &recordingForwarder{}
	h := startTestHub(t, fwd)

	consumer := dial(t, h)
	identify(t, consumer, "react")
	readFrame(t, consumer) // ack

	producer := dial(t, h)
	identify(t, producer, "raspberry")
	readFrame(t, producer) // ack

	status := `{"type":"system_status","system_active":true,"fall_count":4}`
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte(status)))

	got := readFrame(t, consumer)
	assert.Equal(t, "system_status", got["type"])
	assert.Equal(t, true, got["system_active"])

	// 状态上报不进入持久化与历史环
	nr, na := fwd.counts()
	assert.Equal(t, 0, nr)
	assert.Equal(t, 0, na)
	assert.Equal(t, 0, h.History().Len())
}

func TestCompactFrameFromProducer(t *testing.T) {
	h := startTestHub(t, nil)

	consumer := dial(t, h)
	identify(t, consumer, "react")
	readFrame(t, consumer) // ack

	producer := dial(t, h)
	identify(t, producer, "raspberry")
	readFrame(t, producer) // ack

	compact := `{"t":"STATUS","ts":1000,"sa":1,"fc":2,"env":[21.5,-999,1013.2]}`
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte(compact)))

	got := readFrame(t, consumer)
	// 消费者看到的是规范化后的扩展编码
	assert.Equal(t, "sensor_data", got["type"])
	assert.Equal(t, true, got["system_active"])
	assert.Equal(t, 2.0, got["fall_count"].(float64))
	assert.Equal(t, 21.5, got["temperature"].(float64))
	_, hasHumidity := got["humidity"]
	assert.False(t, hasHumidity)
	assert.Equal(t, 1013.2, got["pressure"].(float64))
	assert.Equal(t, 1000.0, got["arduino_timestamp"].(float64))
}

func TestStopClosesConsumersNormally(t *testing.T) {
	h := New(Options{
		Addr:   "127.0.0.1:0",
		Logger: zap.NewNop(),
	})
	require.NoError(t, h.Start(context.Background()))

	conn := dial(t, h)
	identify(t, conn, "react")
	readFrame(t, conn) // ack

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
