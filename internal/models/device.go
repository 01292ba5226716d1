package models

import "time"

// DeviceStatus 设备有效状态
type DeviceStatus string

const (
	DeviceStatusPending     DeviceStatus = "pending"
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusHibernating DeviceStatus = "hibernating"
)

// BatterySource 电池字段最近一次写入的来源
type BatterySource string

const (
	BatterySourceNone      BatterySource = ""
	BatterySourceHeartbeat BatterySource = "heartbeat"
	BatterySourceLog       BatterySource = "log"
)

// DefaultCheckInInterval 设备未声明心跳间隔时的默认值（秒）
const DefaultCheckInInterval = 60

// Device 设备记录（对应 devices 表）
type Device struct {
	DeviceID              string        `json:"device_id" db:"device_id"`
	DisplayName           string        `json:"display_name" db:"display_name"`
	DeviceType            string        `json:"device_type" db:"device_type"`
	BoardType             string        `json:"board_type" db:"board_type"`
	HardwareInfo          string        `json:"hardware_info" db:"hardware_info"`
	FirmwareVersion       string        `json:"firmware_version" db:"firmware_version"`
	IPAddress             string        `json:"ip_address" db:"ip_address"`
	MACAddress            string        `json:"mac_address" db:"mac_address"`
	Capabilities          []string      `json:"capabilities" db:"capabilities"`
	CheckInInterval       int           `json:"check_in_interval" db:"check_in_interval"`
	LastSeen              *time.Time    `json:"last_seen,omitempty" db:"last_seen"`
	Status                DeviceStatus  `json:"status" db:"status"`
	ConfigHash            string        `json:"config_hash,omitempty" db:"config_hash"`
	ConfigUpdatedAt       *time.Time    `json:"config_updated_at,omitempty" db:"config_updated_at"`
	ReportedScriptID      string        `json:"reported_script_id,omitempty" db:"reported_script_id"`
	ReportedScriptVersion string        `json:"reported_script_version,omitempty" db:"reported_script_version"`
	Temperature           *float64      `json:"temperature,omitempty" db:"temperature"`
	RelayOn               *bool         `json:"relay_on,omitempty" db:"relay_on"`
	BatteryPercent        *float64      `json:"battery_percent,omitempty" db:"battery_percent"`
	BatteryVoltage        *float64      `json:"battery_voltage,omitempty" db:"battery_voltage"`
	BatterySource         BatterySource `json:"battery_source,omitempty" db:"battery_source"`
	BatteryUpdatedAt      *time.Time    `json:"battery_updated_at,omitempty" db:"battery_updated_at"`
	RetiredAt             *time.Time    `json:"retired_at,omitempty" db:"retired_at"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at" db:"updated_at"`
}

// Retired 设备是否已软删除
func (d Device) Retired() bool {
	return d.RetiredAt != nil
}

// EffectiveInterval 声明的心跳间隔，未声明时取默认值
func (d Device) EffectiveInterval() int {
	if d.CheckInInterval <= 0 {
		return DefaultCheckInInterval
	}
	return d.CheckInInterval
}

// ToJSON 构建前端期望的响应格式
func (d Device) ToJSON() map[string]any {
	m := map[string]any{
		"device_id":         d.DeviceID,
		"display_name":      d.DisplayName,
		"device_type":       d.DeviceType,
		"board_type":        d.BoardType,
		"hardware_info":     d.HardwareInfo,
		"firmware_version":  d.FirmwareVersion,
		"ip_address":        d.IPAddress,
		"mac_address":       d.MACAddress,
		"capabilities":      d.Capabilities,
		"check_in_interval": d.CheckInInterval,
		"status":            string(d.Status),
		"created_at":        d.CreatedAt,
		"updated_at":        d.UpdatedAt,
	}
	if d.LastSeen != nil {
		m["last_seen"] = *d.LastSeen
	}
	if d.ConfigHash != "" {
		m["config_hash"] = d.ConfigHash
	}
	if d.ReportedScriptVersion != "" {
		m["reported_script_version"] = d.ReportedScriptVersion
	}
	if d.Temperature != nil {
		m["temperature"] = *d.Temperature
	}
	if d.RelayOn != nil {
		m["relay_on"] = *d.RelayOn
	}
	if d.BatteryPercent != nil {
		m["battery_percent"] = *d.BatteryPercent
	}
	if d.BatteryVoltage != nil {
		m["battery_voltage"] = *d.BatteryVoltage
	}
	if d.BatterySource != BatterySourceNone {
		m["battery_source"] = string(d.BatterySource)
	}
	return m
}

// DeviceRegistration 注册请求中设备自报的字段集合
// 注册总是覆盖这些字段并刷新 last_seen
type DeviceRegistration struct {
	DeviceID        string
	DisplayName     string
	DeviceType      string
	BoardType       string
	HardwareInfo    string
	FirmwareVersion string
	IPAddress       string
	MACAddress      string
	Capabilities    []string
	CheckInInterval int
}

// BatteryState 设备当前电池字段快照（供仲裁使用）
type BatteryState struct {
	Percent   *float64
	Voltage   *float64
	Source    BatterySource
	UpdatedAt *time.Time
}

// BatteryStateOf 从设备记录提取电池快照
func BatteryStateOf(d Device) BatteryState {
	return BatteryState{
		Percent:   d.BatteryPercent,
		Voltage:   d.BatteryVoltage,
		Source:    d.BatterySource,
		UpdatedAt: d.BatteryUpdatedAt,
	}
}
