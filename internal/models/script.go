package models

import "time"

// DriftState 脚本版本漂移分类（只读推导，不落库）
type DriftState string

const (
	DriftUnknown  DriftState = "unknown"
	DriftPending  DriftState = "pending"
	DriftRunning  DriftState = "running"
	DriftOutdated DriftState = "outdated"
)

// DefaultScriptType 未声明脚本类型时的默认值
const DefaultScriptType = "micropython"

// ScriptAssignment 设备脚本分配（对应 script_assignments 表）
// 每台设备最多一条 active 记录；新分配将旧记录置为 inactive 而不是删除
type ScriptAssignment struct {
	AssignmentID  string     `json:"assignment_id" db:"assignment_id"`
	DeviceID      string     `json:"device_id" db:"device_id"`
	ScriptID      string     `json:"script_id" db:"script_id"`
	ScriptName    string     `json:"script_name" db:"script_name"`
	ScriptVersion string     `json:"script_version" db:"script_version"`
	ScriptType    string     `json:"script_type" db:"script_type"`
	Content       string     `json:"content" db:"content"`
	Active        bool       `json:"active" db:"active"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
}

// ToJSON 构建管理端响应格式
func (a ScriptAssignment) ToJSON() map[string]any {
	m := map[string]any{
		"assignment_id":  a.AssignmentID,
		"device_id":      a.DeviceID,
		"script_id":      a.ScriptID,
		"script_name":    a.ScriptName,
		"script_version": a.ScriptVersion,
		"script_type":    a.ScriptType,
		"active":         a.Active,
		"created_at":     a.CreatedAt,
	}
	if a.DeactivatedAt != nil {
		m["deactivated_at"] = *a.DeactivatedAt
	}
	return m
}
