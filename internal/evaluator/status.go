package evaluator

import (
	"time"

	"fleetd/internal/models"
)

// 状态推导规则：
//   - 无 last_seen → pending（注册过但从未报到）
//   - 存量状态为 hibernating → 120 分钟宽限期内保持 hibernating，超出变 offline
//   - 其他 → 静默超过「声明间隔*2 + 30 秒」判定 offline，否则 online
//
// 纯函数：按需展示与周期扫描共用同一实现。
// 状态不能只从 last_seen 推导，因为强制休眠要持续到它自己更长的超时。

// HibernationGrace 休眠设备静默多久后转为 offline
const HibernationGrace = 120 * time.Minute

// StatusSlack 在 2 倍声明间隔之上附加的固定余量
const StatusSlack = 30 * time.Second

// ComputeStatus 由 (last_seen, 声明间隔, 存量状态) 推导有效状态
func ComputeStatus(d models.Device, now time.Time) models.DeviceStatus {
	if d.LastSeen == nil {
		return models.DeviceStatusPending
	}
	elapsed := now.Sub(*d.LastSeen)

	if d.Status == models.DeviceStatusHibernating {
		if elapsed <= HibernationGrace {
			return models.DeviceStatusHibernating
		}
		return models.DeviceStatusOffline
	}

	if elapsed <= OfflineTimeout(d.EffectiveInterval()) {
		return models.DeviceStatusOnline
	}
	return models.DeviceStatusOffline
}

// OfflineTimeout 声明间隔对应的离线判定窗口
func OfflineTimeout(intervalSeconds int) time.Duration {
	if intervalSeconds <= 0 {
		intervalSeconds = models.DefaultCheckInInterval
	}
	return time.Duration(intervalSeconds*2)*time.Second + StatusSlack
}
