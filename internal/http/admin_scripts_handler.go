package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"fleetd/internal/service"
)

// assignScriptPayload 脚本分配请求体
type assignScriptPayload struct {
	ScriptID      string `json:"script_id"`
	ScriptName    string `json:"script_name"`
	ScriptVersion string `json:"script_version"`
	ScriptType    string `json:"script_type"`
	Content       string `json:"content"`
}

// assignScript 分配脚本（顶替旧的激活分配）
func (a *AdminAPI) assignScript(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	// 1. 参数解析
	var payload assignScriptPayload
	if err := readBodyJSON(r, 4<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	// 2. 调用 Service
	resp, err := a.scriptService.AssignScript(ctx, service.AssignScriptRequest{
		DeviceID:      deviceID,
		ScriptID:      payload.ScriptID,
		ScriptName:    payload.ScriptName,
		ScriptVersion: payload.ScriptVersion,
		ScriptType:    payload.ScriptType,
		Content:       payload.Content,
	})
	if err != nil {
		a.logger.Error("AssignScript failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	// 3. 构建响应
	writeJSON(w, http.StatusOK, Ok(resp.Assignment.ToJSON()))
}

// getScriptStatus 查询分配与漂移状态
func (a *AdminAPI) getScriptStatus(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	resp, err := a.scriptService.GetScriptStatus(ctx, service.GetScriptStatusRequest{DeviceID: deviceID})
	if err != nil {
		a.logger.Error("GetScriptStatus failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	out := map[string]any{
		"drift":            string(resp.Drift),
		"reported_version": resp.ReportedVersion,
	}
	if resp.Assignment != nil {
		out["assignment"] = resp.Assignment.ToJSON()
	}
	writeJSON(w, http.StatusOK, Ok(out))
}
