// Package wire 统一两种不兼容的线上编码：
// 扩展格式（完整字段名 JSON，type 字段区分类别）与受限设备使用的
// 紧凑格式（短键 JSON，t 字段取 STATUS/FALL，-999 表示字段不可用）。
// 所有下游逻辑只处理规范化后的 models 事件，编码差异在本包内隔离。
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"guardian-relay/internal/models"
)

var (
	// ErrMalformed 帧无法解析为 JSON（丢弃消息，保持连接）
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType 类别无法识别（静默丢弃）
	ErrUnknownType = errors.New("unknown message type")
)

// 紧凑编码中表示"不可用"的哨兵值
const unavailableSentinel = -999

// Identify 连接身份声明帧（任何连接的首条消息）
type Identify struct {
	Client string `json:"client"`
}

// ConnectionAck 服务端连接确认帧
type ConnectionAck struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// AlertHistory 报警历史回放帧
type AlertHistory struct {
	Type   string              `json:"type"`
	Alerts []*models.FallAlert `json:"alerts"`
}

// flexBool 兼容数字与布尔两种写法（紧凑编码用 0/1）
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*b = n != 0
	return nil
}

// rawFrame 两种编码字段的并集，解码后再按判别字段归类
type rawFrame struct {
	Type   string `json:"type"`
	T      string `json:"t"`
	Client string `json:"client"`

	DeviceID         string          `json:"device_id"`
	UserID           string          `json:"user_id"`
	Timestamp        json.RawMessage `json:"timestamp"`
	ArduinoTimestamp int64           `json:"arduino_timestamp"`
	DataSource       string          `json:"data_source"`

	AlertID          string    `json:"alert_id"`
	Severity         string    `json:"severity"`
	Magnitude        float64   `json:"magnitude"`
	Confidence       float64   `json:"confidence"`
	FallCount        int       `json:"fall_count"`
	SystemActive     *flexBool `json:"system_active"`
	Baseline         float64   `json:"baseline"`
	BaselineAccel    float64   `json:"baseline_acceleration"`
	CurrentAccel     float64   `json:"current_accel"`
	CurrentAccelLong float64   `json:"current_acceleration"`

	Temperature  *float64             `json:"temperature"`
	Humidity     *float64             `json:"humidity"`
	Pressure     *float64             `json:"pressure"`
	Acceleration *models.Acceleration `json:"acceleration"`

	// 紧凑编码短键
	Ts  int64     `json:"ts"`
	Sa  *flexBool `json:"sa"`
	Fc  int       `json:"fc"`
	Bl  float64   `json:"bl"`
	Ca  float64   `json:"ca"`
	Sev string    `json:"sev"`
	Mag float64   `json:"mag"`
	Env []float64 `json:"env"`
	Acc []float64 `json:"acc"`

	// 扩展编码的嵌套形态（Python 产生端）
	SensorData *struct {
		Environment *struct {
			Temperature *float64 `json:"temperature"`
			Humidity    *float64 `json:"humidity"`
			Pressure    *float64 `json:"pressure"`
		} `json:"environment"`
		Acceleration *models.Acceleration `json:"acceleration"`
	} `json:"sensor_data"`

	// 历史回放帧（消费端解码用）
	Alerts []*models.FallAlert `json:"alerts"`
	Status string              `json:"status"`
	Msg    string              `json:"message"`
}

// Decode 解析一帧原始字节，返回以下类型之一：
// *Identify、*ConnectionAck、*AlertHistory、
// *models.SensorReading、*models.FallAlert、*models.SystemStatus。
// 解析失败返回 ErrMalformed；判别字段无法识别返回 ErrUnknownType。
func Decode(raw []byte) (any, error) {
	var f rawFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// 显式 type 优先于紧凑判别字段 t
	switch f.Type {
	case "identify":
		return &Identify{Client: f.Client}, nil
	case "connection":
		return &ConnectionAck{Type: f.Type, Status: f.Status, Message: f.Msg}, nil
	case "alert_history":
		return &AlertHistory{Type: f.Type, Alerts: f.Alerts}, nil
	case "sensor_data":
		return f.toSensorReading(), nil
	case "fall_alert":
		return f.toFallAlert(), nil
	case "system_status":
		return f.toSystemStatus(), nil
	case "":
		switch f.T {
		case "STATUS":
			return f.toSensorReading(), nil
		case "FALL":
			return f.toFallAlert(), nil
		}
	}
	return nil, fmt.Errorf("%w: type=%q t=%q", ErrUnknownType, f.Type, f.T)
}

// Encode 将规范化事件序列化为统一的线上编码
func Encode(e models.Event) ([]byte, error) {
	return json.Marshal(e)
}

// EncodeFrame 序列化服务端下行控制帧（connection / alert_history）
func EncodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

// timestampString 时间戳字段仅在为字符串形态时采用；
// 紧凑编码的数字 ts 属于设备时钟，另行映射
func (f *rawFrame) timestampString() string {
	if len(f.Timestamp) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Timestamp, &s); err != nil {
		return ""
	}
	return s
}

func (f *rawFrame) deviceClock() int64 {
	if f.ArduinoTimestamp != 0 {
		return f.ArduinoTimestamp
	}
	return f.Ts
}

// environment 解析环境三元组：数组形态优先，-999 映射为 nil；
// 其次顶层平铺字段；最后回退到嵌套扩展形态
func (f *rawFrame) environment() (temp, hum, press *float64) {
	if len(f.Env) >= 3 {
		return sentinelToNil(f.Env[0]), sentinelToNil(f.Env[1]), sentinelToNil(f.Env[2])
	}
	if f.Temperature != nil || f.Humidity != nil || f.Pressure != nil {
		return f.Temperature, f.Humidity, f.Pressure
	}
	if f.SensorData != nil && f.SensorData.Environment != nil {
		env := f.SensorData.Environment
		return env.Temperature, env.Humidity, env.Pressure
	}
	return nil, nil, nil
}

// acceleration 解析加速度：数组形态优先，其次顶层对象，最后嵌套形态
func (f *rawFrame) acceleration() *models.Acceleration {
	if len(f.Acc) >= 3 {
		return &models.Acceleration{X: f.Acc[0], Y: f.Acc[1], Z: f.Acc[2]}
	}
	if f.Acceleration != nil {
		return f.Acceleration
	}
	if f.SensorData != nil && f.SensorData.Acceleration != nil {
		return f.SensorData.Acceleration
	}
	return nil
}

func (f *rawFrame) systemActive() bool {
	if f.Sa != nil {
		return bool(*f.Sa)
	}
	if f.SystemActive != nil {
		return bool(*f.SystemActive)
	}
	return false
}

func (f *rawFrame) fallCount() int {
	if f.Fc != 0 {
		return f.Fc
	}
	return f.FallCount
}

func (f *rawFrame) baseline() float64 {
	switch {
	case f.Bl != 0:
		return f.Bl
	case f.Baseline != 0:
		return f.Baseline
	default:
		return f.BaselineAccel
	}
}

func (f *rawFrame) currentAccel() float64 {
	switch {
	case f.Ca != 0:
		return f.Ca
	case f.CurrentAccel != 0:
		return f.CurrentAccel
	default:
		return f.CurrentAccelLong
	}
}

func (f *rawFrame) severity() string {
	if f.Sev != "" {
		return f.Sev
	}
	return f.Severity
}

func (f *rawFrame) magnitude() float64 {
	if f.Mag != 0 {
		return f.Mag
	}
	return f.Magnitude
}

func (f *rawFrame) toSensorReading() *models.SensorReading {
	temp, hum, press := f.environment()
	return &models.SensorReading{
		Type:             string(models.KindSensorReading),
		DeviceID:         f.DeviceID,
		UserID:           f.UserID,
		Timestamp:        f.timestampString(),
		ArduinoTimestamp: f.deviceClock(),
		Acceleration:     f.acceleration(),
		Temperature:      temp,
		Humidity:         hum,
		Pressure:         press,
		Baseline:         f.baseline(),
		CurrentAccel:     f.currentAccel(),
		SystemActive:     f.systemActive(),
		FallCount:        f.fallCount(),
		DataSource:       f.DataSource,
	}
}

func (f *rawFrame) toFallAlert() *models.FallAlert {
	temp, hum, press := f.environment()
	return &models.FallAlert{
		Type:             string(models.KindFallAlert),
		AlertID:          f.AlertID,
		DeviceID:         f.DeviceID,
		UserID:           f.UserID,
		Timestamp:        f.timestampString(),
		ArduinoTimestamp: f.deviceClock(),
		Severity:         models.Severity(f.severity()),
		Magnitude:        f.magnitude(),
		Confidence:       f.Confidence,
		Acceleration:     f.acceleration(),
		Temperature:      temp,
		Humidity:         hum,
		Pressure:         press,
		FallCount:        f.fallCount(),
	}
}

func (f *rawFrame) toSystemStatus() *models.SystemStatus {
	temp, hum, press := f.environment()
	return &models.SystemStatus{
		Type:             string(models.KindSystemStatus),
		UserID:           f.UserID,
		Timestamp:        f.timestampString(),
		ArduinoTimestamp: f.deviceClock(),
		SystemActive:     f.systemActive(),
		FallCount:        f.fallCount(),
		Baseline:         f.baseline(),
		CurrentAccel:     f.currentAccel(),
		Temperature:      temp,
		Humidity:         hum,
		Pressure:         press,
	}
}

func sentinelToNil(v float64) *float64 {
	if v == unavailableSentinel {
		return nil
	}
	return &v
}
