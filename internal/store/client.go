// Package store 外部存储协作方的 HTTP API 客户端与异步持久化转发器
// 存储方负责 CRUD 与聚合查询；中继只通过本包的接口边界与其交互
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"guardian-relay/internal/models"
)

// 读接口的服务端上限
const (
	maxHistoryLimit      = 1000
	maxRecentAlertsLimit = 50
)

// apiResponse 存储 API 统一响应包裹
type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Timestamp string          `json:"timestamp"`
}

// sensorPayload POST /sensor-data 请求体
type sensorPayload struct {
	DeviceID         string       `json:"device_id"`
	UserID           string       `json:"user_id,omitempty"`
	Timestamp        string       `json:"timestamp"`
	ArduinoTimestamp int64        `json:"arduino_timestamp,omitempty"`
	SensorData       nestedSensor `json:"sensor_data"`
	Baseline         float64      `json:"baseline_acceleration,omitempty"`
	CurrentAccel     float64      `json:"current_acceleration,omitempty"`
	SystemActive     bool         `json:"system_active"`
	FallCount        int          `json:"fall_count"`
	DataSource       string       `json:"data_source,omitempty"`
}

// alertPayload POST /fall-alert 请求体
type alertPayload struct {
	AlertID          string       `json:"alert_id"`
	DeviceID         string       `json:"device_id"`
	UserID           string       `json:"user_id,omitempty"`
	Timestamp        string       `json:"timestamp"`
	ArduinoTimestamp int64        `json:"arduino_timestamp,omitempty"`
	Severity         string       `json:"severity"`
	Magnitude        float64      `json:"magnitude,omitempty"`
	Confidence       float64      `json:"confidence"`
	FallCount        int          `json:"fall_count"`
	Status           string       `json:"status"`
	NotificationSent bool         `json:"notification_sent"`
	SensorData       nestedSensor `json:"sensor_data"`
}

type nestedSensor struct {
	Environment  *nestedEnvironment   `json:"environment,omitempty"`
	Acceleration *models.Acceleration `json:"acceleration,omitempty"`
}

type nestedEnvironment struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
}

// HistoryQuery GET /history 查询参数
type HistoryQuery struct {
	DeviceID string
	UserID   string
	Hours    int
	Limit    int
}

// Client 存储 API 客户端
// 写路径由转发器调用，从不重试（可用性优先于持久性的取舍）
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient 创建存储 API 客户端
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: httpClient, logger: logger}
}

// InsertSensorReading 写入一条传感器读数
// 加速度模长由存储方从 acceleration 推导，请求体不携带
func (c *Client) InsertSensorReading(ctx context.Context, r *models.SensorReading) error {
	body := sensorPayload{
		DeviceID:         r.DeviceID,
		UserID:           r.UserID,
		Timestamp:        r.Timestamp,
		ArduinoTimestamp: r.ArduinoTimestamp,
		SensorData:       nestSensorData(r.Acceleration, r.Temperature, r.Humidity, r.Pressure),
		Baseline:         r.Baseline,
		CurrentAccel:     r.CurrentAccel,
		SystemActive:     r.SystemActive,
		FallCount:        r.FallCount,
		DataSource:       r.DataSource,
	}
	if body.DeviceID == "" {
		body.DeviceID = "unknown"
	}
	return c.post(ctx, "/sensor-data", body)
}

// InsertFallAlert 写入一条跌倒报警
func (c *Client) InsertFallAlert(ctx context.Context, a *models.FallAlert) error {
	body := alertPayload{
		AlertID:          a.AlertID,
		DeviceID:         a.DeviceID,
		UserID:           a.UserID,
		Timestamp:        a.Timestamp,
		ArduinoTimestamp: a.ArduinoTimestamp,
		Severity:         string(a.Severity),
		Magnitude:        a.Magnitude,
		Confidence:       a.Confidence,
		FallCount:        a.FallCount,
		Status:           string(a.Status),
		NotificationSent: a.NotificationSent,
		SensorData:       nestSensorData(a.Acceleration, a.Temperature, a.Humidity, a.Pressure),
	}
	if body.DeviceID == "" {
		body.DeviceID = "unknown"
	}
	return c.post(ctx, "/fall-alert", body)
}

// History 查询历史读数
func (c *Client) History(ctx context.Context, q HistoryQuery) (json.RawMessage, error) {
	params := map[string]string{}
	if q.DeviceID != "" {
		params["device_id"] = q.DeviceID
	}
	if q.UserID != "" {
		params["user_id"] = q.UserID
	}
	if q.Hours > 0 {
		params["hours"] = strconv.Itoa(q.Hours)
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(clampLimit(q.Limit, maxHistoryLimit))
	}
	return c.get(ctx, "/history", params)
}

// Stats 查询聚合统计
func (c *Client) Stats(ctx context.Context, deviceID string, days int) (json.RawMessage, error) {
	params := map[string]string{}
	if deviceID != "" {
		params["device_id"] = deviceID
	}
	if days > 0 {
		params["days"] = strconv.Itoa(days)
	}
	return c.get(ctx, "/stats", params)
}

// RecentAlerts 查询最近报警
func (c *Client) RecentAlerts(ctx context.Context, limit int) (json.RawMessage, error) {
	params := map[string]string{}
	if limit > 0 {
		params["limit"] = strconv.Itoa(clampLimit(limit, maxRecentAlertsLimit))
	}
	return c.get(ctx, "/recent-alerts", params)
}

// Devices 查询设备清单
func (c *Client) Devices(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/devices", nil)
}

// Users 查询用户清单
func (c *Client) Users(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/users", nil)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var result apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post(path)
	if err != nil {
		return fmt.Errorf("storage api %s: %w", path, err)
	}
	if resp.IsError() || !result.Success {
		return fmt.Errorf("storage api %s: status=%d error=%q", path, resp.StatusCode(), result.Error)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	var result apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&result).
		SetError(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("storage api %s: %w", path, err)
	}
	if resp.IsError() || !result.Success {
		return nil, fmt.Errorf("storage api %s: status=%d error=%q", path, resp.StatusCode(), result.Error)
	}
	return result.Data, nil
}

func nestSensorData(acc *models.Acceleration, temp, hum, press *float64) nestedSensor {
	nested := nestedSensor{Acceleration: acc}
	if temp != nil || hum != nil || press != nil {
		nested.Environment = &nestedEnvironment{Temperature: temp, Humidity: hum, Pressure: press}
	}
	return nested
}

func clampLimit(v, max int) int {
	if v > max {
		return max
	}
	return v
}
