package models

import "time"

// TelemetrySample 遥测样本（对应 telemetry_samples 表，append-only，从不更新）
type TelemetrySample struct {
	ID         int64          `json:"id" db:"id"`
	DeviceID   string         `json:"device_id" db:"device_id"`
	Payload    map[string]any `json:"payload" db:"payload"`
	RecordedAt time.Time      `json:"recorded_at" db:"recorded_at"`
}

// DeviceLog 设备上报的原始日志行（对应 device_logs 表，append-only）
type DeviceLog struct {
	ID        int64     `json:"id" db:"id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	Level     string    `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	LoggedAt  time.Time `json:"logged_at" db:"logged_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RealtimeState 写入 Redis 的设备实时状态快照（管理端详情页读取）
type RealtimeState struct {
	DeviceID       string   `json:"device_id"`
	Status         string   `json:"status"`
	Temperature    *float64 `json:"temperature,omitempty"`
	RelayOn        *bool    `json:"relay_on,omitempty"`
	BatteryPercent *float64 `json:"battery_percent,omitempty"`
	BatteryVoltage *float64 `json:"battery_voltage,omitempty"`
	Timestamp      int64    `json:"timestamp"`
}
