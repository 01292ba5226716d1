package models

import "time"

// CommandStatus 指令生命周期状态
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusDelivered CommandStatus = "delivered"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
)

// Terminal 指令是否已到达终态（终态只能由设备回执写入，且幂等）
func (s CommandStatus) Terminal() bool {
	return s == CommandStatusCompleted || s == CommandStatusFailed
}

// 指令入队默认值
const (
	DefaultCommandPriority    = 100
	DefaultCommandMaxAttempts = 3
)

// 直接执行（direct actuation）变体：高优先级、单次尝试、1 分钟过期，
// 设备轮询太慢时宁可被后续指令取代也不重试
const (
	ActuationPriority    = 1
	ActuationMaxAttempts = 1
	ActuationTTL         = time.Minute
)

// Command 排队指令（对应 commands 表）
type Command struct {
	CommandID   string         `json:"command_id" db:"command_id"`
	DeviceID    string         `json:"device_id" db:"device_id"`
	CommandType string         `json:"command_type" db:"command_type"`
	Payload     map[string]any `json:"payload" db:"payload"`
	Priority    int            `json:"priority" db:"priority"`
	Status      CommandStatus  `json:"status" db:"status"`
	Attempts    int            `json:"attempts" db:"attempts"`
	MaxAttempts int            `json:"max_attempts" db:"max_attempts"`
	Result      string         `json:"result,omitempty" db:"result"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty" db:"executed_at"`
}

// Expired 指令在 now 时刻是否已过期（过期指令即使仍为 pending 也不再下发）
func (c Command) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// ToJSON 构建管理端响应格式
func (c Command) ToJSON() map[string]any {
	m := map[string]any{
		"command_id":   c.CommandID,
		"device_id":    c.DeviceID,
		"command_type": c.CommandType,
		"payload":      c.Payload,
		"priority":     c.Priority,
		"status":       string(c.Status),
		"attempts":     c.Attempts,
		"max_attempts": c.MaxAttempts,
		"created_at":   c.CreatedAt,
	}
	if c.Result != "" {
		m["result"] = c.Result
	}
	if c.ExpiresAt != nil {
		m["expires_at"] = *c.ExpiresAt
	}
	if c.ExecutedAt != nil {
		m["executed_at"] = *c.ExecutedAt
	}
	return m
}

// ToDeliveryJSON 构建下发给设备的精简格式
func (c Command) ToDeliveryJSON() map[string]any {
	return map[string]any{
		"id":         c.CommandID,
		"type":       c.CommandType,
		"payload":    c.Payload,
		"priority":   c.Priority,
		"created_at": c.CreatedAt,
	}
}
