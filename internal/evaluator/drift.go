package evaluator

import "fleetd/internal/models"

// ClassifyDrift 比较分配脚本版本与设备最近上报的运行版本：
//   - 无分配 → unknown
//   - 有分配但设备从未上报运行版本 → pending
//   - 上报版本等于分配版本 → running
//   - 上报版本不同 → outdated
//
// 只读推导，每次查询重新计算，不改任何存量状态。
func ClassifyDrift(assignment *models.ScriptAssignment, reportedVersion string) models.DriftState {
	if assignment == nil {
		return models.DriftUnknown
	}
	if reportedVersion == "" {
		return models.DriftPending
	}
	if reportedVersion == assignment.ScriptVersion {
		return models.DriftRunning
	}
	return models.DriftOutdated
}
