package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fleetd/internal/service"
)

const adminDevicesPath = "/admin/api/v1/devices"

// AdminAPI 管理端 API：设备清单、指令队列、脚本分配
type AdminAPI struct {
	deviceService  service.DeviceAdminService
	commandService service.CommandService
	scriptService  service.ScriptService
	logger         *zap.Logger
}

// NewAdminAPI 创建管理端 API
func NewAdminAPI(
	deviceService service.DeviceAdminService,
	commandService service.CommandService,
	scriptService service.ScriptService,
	logger *zap.Logger,
) *AdminAPI {
	return &AdminAPI{
		deviceService:  deviceService,
		commandService: commandService,
		scriptService:  scriptService,
		logger:         logger,
	}
}

// DevicesHandler 设备类路由入口
func (a *AdminAPI) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == adminDevicesPath {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.listDevices(w, r)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, adminDevicesPath+"/")
	if rest == "export" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.exportDevices(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	deviceID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.getDevice(w, r, deviceID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		a.retireDevice(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "telemetry" && r.Method == http.MethodGet:
		a.listTelemetry(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "commands" && r.Method == http.MethodPost:
		a.enqueueCommand(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "commands" && r.Method == http.MethodGet:
		a.listCommands(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "actuate" && r.Method == http.MethodPost:
		a.actuate(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "script" && r.Method == http.MethodPut:
		a.assignScript(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "script" && r.Method == http.MethodGet:
		a.getScriptStatus(w, r, deviceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// listDevices 查询设备列表
func (a *AdminAPI) listDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. 参数解析
	// status 支持重复参数或逗号分隔
	statuses := r.URL.Query()["status"]
	if len(statuses) == 1 && strings.Contains(statuses[0], ",") {
		statuses = strings.Split(statuses[0], ",")
	}
	page := parseInt(r.URL.Query().Get("page"), 1)
	size := parseInt(r.URL.Query().Get("size"), 20)

	// 2. 调用 Service
	resp, err := a.deviceService.ListDevices(ctx, service.ListDevicesRequest{
		Statuses:   statuses,
		DeviceType: r.URL.Query().Get("device_type"),
		SearchType: r.URL.Query().Get("search_type"),
		Keyword:    r.URL.Query().Get("search_keyword"),
		Page:       page,
		Size:       size,
	})
	if err != nil {
		a.logger.Error("ListDevices failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	// 3. 构建响应
	out := make([]any, 0, len(resp.Items))
	for _, d := range resp.Items {
		out = append(out, d.ToJSON())
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": out,
		"total": resp.Total,
	}))
}

// getDevice 查询设备详情
func (a *AdminAPI) getDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	resp, err := a.deviceService.GetDevice(ctx, service.GetDeviceRequest{DeviceID: deviceID})
	if err != nil {
		a.logger.Error("GetDevice failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	out := resp.Device.ToJSON()
	out["pending_commands"] = resp.PendingCommands
	out["drift"] = string(resp.Drift)
	if resp.Assignment != nil {
		out["assignment"] = resp.Assignment.ToJSON()
	}
	if resp.Realtime != nil {
		out["realtime"] = resp.Realtime
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// retireDevice 设备退役（软删除）
func (a *AdminAPI) retireDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	resp, err := a.deviceService.RetireDevice(ctx, service.RetireDeviceRequest{DeviceID: deviceID})
	if err != nil {
		a.logger.Error("RetireDevice failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"success": resp.Success}))
}

// listTelemetry 查询遥测样本
func (a *AdminAPI) listTelemetry(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	limit := parseInt(r.URL.Query().Get("limit"), 50)

	resp, err := a.deviceService.ListTelemetry(ctx, service.ListTelemetryRequest{
		DeviceID: deviceID,
		Limit:    limit,
	})
	if err != nil {
		a.logger.Error("ListTelemetry failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, s := range resp.Items {
		items = append(items, map[string]any{
			"device_id":   s.DeviceID,
			"payload":     s.Payload,
			"recorded_at": s.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items}))
}
