package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// EventKind 规范化事件类别
type EventKind string

const (
	KindSensorReading EventKind = "sensor_data"
	KindFallAlert     EventKind = "fall_alert"
	KindSystemStatus  EventKind = "system_status"
)

// Severity 跌倒报警级别
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// DefaultConfidence 未提供置信度时的默认值
const DefaultConfidence = 0.85

// AlertStatus 报警处理状态
type AlertStatus string

const (
	StatusPending   AlertStatus = "pending"
	StatusConfirmed AlertStatus = "confirmed"
	StatusDismissed AlertStatus = "dismissed"
)

// Event 规范化事件（跨两种线上编码的统一内存表示）
type Event interface {
	Kind() EventKind
}

// Acceleration 三轴加速度
type Acceleration struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Magnitude 计算加速度模长
func (a Acceleration) Magnitude() float64 {
	return math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z)
}

// SensorReading 传感器遥测读数
// 环境字段为指针类型：nil 表示设备未上报（紧凑编码中以 -999 哨兵值表示）
type SensorReading struct {
	Type             string        `json:"type"`
	DeviceID         string        `json:"device_id,omitempty"`
	UserID           string        `json:"user_id,omitempty"`
	Timestamp        string        `json:"timestamp"`
	ArduinoTimestamp int64         `json:"arduino_timestamp,omitempty"`
	Acceleration     *Acceleration `json:"acceleration,omitempty"`
	Magnitude        float64       `json:"magnitude,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	Humidity         *float64      `json:"humidity,omitempty"`
	Pressure         *float64      `json:"pressure,omitempty"`
	Baseline         float64       `json:"baseline,omitempty"`
	CurrentAccel     float64       `json:"current_accel,omitempty"`
	SystemActive     bool          `json:"system_active"`
	FallCount        int           `json:"fall_count"`
	DataSource       string        `json:"data_source,omitempty"`
}

func (r *SensorReading) Kind() EventKind { return KindSensorReading }

// FallAlert 跌倒报警事件
type FallAlert struct {
	Type             string        `json:"type"`
	AlertID          string        `json:"alert_id"`
	DeviceID         string        `json:"device_id,omitempty"`
	UserID           string        `json:"user_id,omitempty"`
	Timestamp        string        `json:"timestamp"`
	ArduinoTimestamp int64         `json:"arduino_timestamp,omitempty"`
	ReceivedAt       string        `json:"receivedAt,omitempty"`
	Severity         Severity      `json:"severity"`
	Magnitude        float64       `json:"magnitude,omitempty"`
	Confidence       float64       `json:"confidence"`
	Acceleration     *Acceleration `json:"acceleration,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	Humidity         *float64      `json:"humidity,omitempty"`
	Pressure         *float64      `json:"pressure,omitempty"`
	FallCount        int           `json:"fall_count"`
	Status           AlertStatus   `json:"status"`
	NotificationSent bool          `json:"notification_sent"`
}

func (a *FallAlert) Kind() EventKind { return KindFallAlert }

// SystemStatus 系统状态上报（仅广播，不持久化）
type SystemStatus struct {
	Type             string   `json:"type"`
	UserID           string   `json:"user_id,omitempty"`
	Timestamp        string   `json:"timestamp"`
	ArduinoTimestamp int64    `json:"arduino_timestamp,omitempty"`
	SystemActive     bool     `json:"system_active"`
	FallCount        int      `json:"fall_count"`
	Baseline         float64  `json:"baseline_acceleration,omitempty"`
	CurrentAccel     float64  `json:"current_acceleration,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	Humidity         *float64 `json:"humidity,omitempty"`
	Pressure         *float64 `json:"pressure,omitempty"`
}

func (s *SystemStatus) Kind() EventKind { return KindSystemStatus }

// ParseSeverity 解析报警级别，未识别时返回默认值 medium
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// ClampConfidence 将置信度约束到 [0,1]；零值视为未提供，返回默认值
func ClampConfidence(c float64) float64 {
	if c == 0 {
		return DefaultConfidence
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Normalize 补全跌倒报警的默认字段并盖上服务端接收时间
// alert_id 缺失时生成；severity/confidence/status 按固定枚举与取值范围校验
func (a *FallAlert) Normalize(now time.Time) {
	a.Type = string(KindFallAlert)
	if a.AlertID == "" {
		a.AlertID = "fall_" + uuid.NewString()
	}
	a.Severity = ParseSeverity(string(a.Severity))
	a.Confidence = ClampConfidence(a.Confidence)
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.Timestamp == "" {
		a.Timestamp = now.Format(time.RFC3339)
	}
	a.ReceivedAt = now.Format(time.RFC3339)
	if a.Magnitude == 0 && a.Acceleration != nil {
		a.Magnitude = a.Acceleration.Magnitude()
	}
}

// Stamp 为读数补全时间戳与派生模长
func (r *SensorReading) Stamp(now time.Time) {
	r.Type = string(KindSensorReading)
	if r.Timestamp == "" {
		r.Timestamp = now.Format(time.RFC3339)
	}
	if r.Magnitude == 0 && r.Acceleration != nil {
		r.Magnitude = r.Acceleration.Magnitude()
	}
}

// Stamp 为状态上报补全时间戳
func (s *SystemStatus) Stamp(now time.Time) {
	s.Type = string(KindSystemStatus)
	if s.Timestamp == "" {
		s.Timestamp = now.Format(time.RFC3339)
	}
}
