package repository

import (
	"context"
	"time"

	"fleetd/internal/models"
)

// 仓库接口约定：
//   - 所有写入都是单记录单语句（dequeue 的批量标记和脚本分配的顶替除外，
//     它们也只涉及一台设备的记录），并发正确性以单设备为界
//   - 找不到行时返回 sql.ErrNoRows 风格的原生错误或 (nil, nil)，
//     由各接口注释标明；分类错误在 service 层映射

// DeviceFilters 管理端设备列表过滤条件
type DeviceFilters struct {
	Statuses   []string
	DeviceType string
	SearchType string // device_id | display_name | mac_address
	Keyword    string
	Page       int
	Size       int
}

// HeartbeatUpdate 心跳落库的字段集合；指针为 nil 表示本次未上报、保留原值
type HeartbeatUpdate struct {
	DeviceID    string
	SeenAt      time.Time
	Status      models.DeviceStatus
	IPAddress   *string
	Temperature *float64
	RelayOn     *bool
}

// DevicesRepo 设备注册表
type DevicesRepo interface {
	// Upsert 首次出现插入，否则覆盖声明字段并刷新 last_seen；
	// 已软删除的设备重新注册时复活。总是返回写入后的完整记录。
	Upsert(ctx context.Context, reg models.DeviceRegistration, seenAt time.Time) (*models.Device, error)
	// Get 按 device_id 读取（含已软删除记录）；不存在时返回 sql.ErrNoRows
	Get(ctx context.Context, deviceID string) (*models.Device, error)
	List(ctx context.Context, filters DeviceFilters) ([]models.Device, int, error)
	// ListSweepCandidates 周期扫描候选：未软删除、状态 online/hibernating、
	// last_seen 早于 olderThan
	ListSweepCandidates(ctx context.Context, olderThan time.Time) ([]models.Device, error)

	// MarkContact 任何设备主动到达都刷新 last_seen 并回到 online
	MarkContact(ctx context.Context, deviceID string, seenAt time.Time) error
	// UpdateHeartbeatState 心跳单语句更新（last_seen/状态/地址/温度/继电器）
	UpdateHeartbeatState(ctx context.Context, u HeartbeatUpdate) error
	// UpdateBattery 写电池字段；心跳来源的写入在 WHERE 里复查日志压制窗口，
	// 被压制时返回 applied=false
	UpdateBattery(ctx context.Context, deviceID string, state models.BatteryState) (bool, error)
	UpdateConfigHash(ctx context.Context, deviceID, hash string, at time.Time) error
	// UpdateReportedScript 设备上报运行版本，同时视为一次到达
	UpdateReportedScript(ctx context.Context, deviceID, scriptID, version string, seenAt time.Time) error
	// ForceHibernate 日志里的深度休眠标记：置 hibernating 并把 last_seen
	// 刷到信号到达时间
	ForceHibernate(ctx context.Context, deviceID string, at time.Time) error
	// CompareAndSetStatus 扫描用的条件翻转：仅当 (status, last_seen) 仍是
	// 评估时的值才写入，扫描期间到达的心跳优先
	CompareAndSetStatus(ctx context.Context, deviceID string, from, to models.DeviceStatus, lastSeen time.Time) (bool, error)
	// Retire 软删除；设备可能仍被指令引用，从不硬删
	Retire(ctx context.Context, deviceID string, at time.Time) error
}

// CommandsRepo 设备指令队列
type CommandsRepo interface {
	Enqueue(ctx context.Context, cmd *models.Command) error
	// DequeueDueBatch 取 pending 且未过期的指令，(priority, created_at) 升序，
	// 上限 limit，单语句原子置为 delivered 并 attempts+1（至少一次投递）
	DequeueDueBatch(ctx context.Context, deviceID string, limit int, now time.Time) ([]models.Command, error)
	// Acknowledge 写终态与 executed_at；未知或已终态的指令是无操作，不报错
	Acknowledge(ctx context.Context, deviceID, commandID string, status models.CommandStatus, result string, at time.Time) error
	// CountPending 仍会被投递的排队数（排除已过期）
	CountPending(ctx context.Context, deviceID string, now time.Time) (int, error)
	ListByDevice(ctx context.Context, deviceID string, statuses []string, limit int) ([]models.Command, error)
}

// ScriptsRepo 脚本分配
type ScriptsRepo interface {
	// GetActive 当前生效分配；没有时返回 (nil, nil)
	GetActive(ctx context.Context, deviceID string) (*models.ScriptAssignment, error)
	// Assign 顶替式分配：旧记录置 inactive（保留历史），新记录置 active
	Assign(ctx context.Context, a *models.ScriptAssignment) error
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]models.ScriptAssignment, error)
}

// TelemetryRepo 遥测样本与设备日志（均为 append-only）
type TelemetryRepo interface {
	// InsertSample 写入样本并回填自增 ID
	InsertSample(ctx context.Context, s *models.TelemetrySample) error
	ListRecentSamples(ctx context.Context, deviceID string, limit int) ([]models.TelemetrySample, error)
	InsertLog(ctx context.Context, log *models.DeviceLog) error
	ListRecentLogs(ctx context.Context, deviceID string, limit int) ([]models.DeviceLog, error)
}
