package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/service"
)

const fleetDevicePrefix = "/fleet/api/v1/devices/"

// FleetHandler 设备侧 API
//
// 固件只认固定的状态码和字段，响应不走管理端信封：
// 未注册一律 404 + {"status":"not_registered"}，设备据此重新注册。
type FleetHandler struct {
	registrationService service.RegistrationService
	heartbeatService    service.HeartbeatService
	configService       service.ConfigService
	logService          service.LogIngestService
	scriptService       service.ScriptService
	logger              *zap.Logger
}

// NewFleetHandler 创建设备侧 Handler
func NewFleetHandler(
	registrationService service.RegistrationService,
	heartbeatService service.HeartbeatService,
	configService service.ConfigService,
	logService service.LogIngestService,
	scriptService service.ScriptService,
	logger *zap.Logger,
) *FleetHandler {
	return &FleetHandler{
		registrationService: registrationService,
		heartbeatService:    heartbeatService,
		configService:       configService,
		logService:          logService,
		scriptService:       scriptService,
		logger:              logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *FleetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 路由分发
	// 路径格式：/fleet/api/v1/devices/{device_id}/{action}
	rest := strings.TrimPrefix(r.URL.Path, fleetDevicePrefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	deviceID, action := parts[0], parts[1]

	switch {
	case action == "config" && r.Method == http.MethodGet:
		h.GetConfig(w, r, deviceID)
	case action == "heartbeat" && r.Method == http.MethodPost:
		h.Heartbeat(w, r, deviceID)
	case action == "logs" && r.Method == http.MethodPost:
		h.IngestLogs(w, r, deviceID)
	case action == "script-status" && r.Method == http.MethodPost:
		h.ReportScriptStatus(w, r, deviceID)
	case action == "config" || action == "heartbeat" || action == "logs" || action == "script-status":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// registerPayload 注册请求体
type registerPayload struct {
	DeviceID        string   `json:"device_id"`
	DisplayName     string   `json:"display_name"`
	DeviceType      string   `json:"device_type"`
	BoardType       string   `json:"board_type"`
	HardwareInfo    string   `json:"hardware_info"`
	FirmwareVersion string   `json:"firmware_version"`
	Address         string   `json:"address"`
	MACAddress      string   `json:"mac_address"`
	Capabilities    []string `json:"capabilities"`
	CheckInInterval int      `json:"check_in_interval"`
}

// Register 设备注册（重复注册幂等）
func (h *FleetHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// 1. 参数解析
	var payload registerPayload
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error",
			"error":  "invalid body",
		})
		return
	}
	// 设备没报地址时取连接的远端地址
	address := payload.Address
	if address == "" {
		address = remoteAddr(r)
	}

	// 2. 调用 Service
	resp, err := h.registrationService.Register(ctx, service.RegisterRequest{
		DeviceID:        payload.DeviceID,
		DisplayName:     payload.DisplayName,
		DeviceType:      payload.DeviceType,
		BoardType:       payload.BoardType,
		HardwareInfo:    payload.HardwareInfo,
		FirmwareVersion: payload.FirmwareVersion,
		IPAddress:       address,
		MACAddress:      payload.MACAddress,
		Capabilities:    payload.Capabilities,
		CheckInInterval: payload.CheckInInterval,
	})
	if err != nil {
		h.logger.Error("Register failed", zap.Error(err))
		writeDeviceError(w, err)
		return
	}

	// 3. 构建响应
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "registered",
		"has_config":        resp.HasConfig,
		"check_in_interval": resp.CheckInInterval,
		"config_endpoint":   resp.ConfigEndpoint,
	})
}

// GetConfig 配置轮询：返回激活配置与待下发指令
func (h *FleetHandler) GetConfig(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	resp, err := h.configService.GetConfig(ctx, service.GetConfigRequest{DeviceID: deviceID})
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	commands := make([]any, 0, len(resp.Commands))
	for _, c := range resp.Commands {
		commands = append(commands, c.ToDeliveryJSON())
	}

	out := map[string]any{
		"config_available":  resp.Available,
		"commands":          commands,
		"check_in_interval": resp.CheckInInterval,
	}
	if resp.Available {
		out["config_changed"] = resp.Changed
		out["config_hash"] = resp.Hash
		out["config"] = map[string]any{
			"script_id":      resp.Assignment.ScriptID,
			"script_name":    resp.Assignment.ScriptName,
			"script_version": resp.Assignment.ScriptVersion,
			"script_type":    resp.Assignment.ScriptType,
			"content":        resp.Assignment.Content,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// heartbeatPayload 心跳请求体
type heartbeatPayload struct {
	Status         string         `json:"status"`
	Address        string         `json:"address"`
	Metrics        map[string]any `json:"metrics"`
	CommandResults []struct {
		CommandID string `json:"command_id"`
		Status    string `json:"status"`
		Message   string `json:"message"`
	} `json:"command_results"`
}

// Heartbeat 心跳上报
func (h *FleetHandler) Heartbeat(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	// 1. 参数解析
	var payload heartbeatPayload
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error",
			"error":  "invalid body",
		})
		return
	}
	address := payload.Address
	if address == "" {
		address = remoteAddr(r)
	}

	results := make([]service.CommandResultInput, 0, len(payload.CommandResults))
	for _, cr := range payload.CommandResults {
		results = append(results, service.CommandResultInput{
			CommandID: cr.CommandID,
			Status:    cr.Status,
			Result:    cr.Message,
		})
	}

	// 2. 调用 Service
	resp, err := h.heartbeatService.Process(ctx, service.HeartbeatRequest{
		DeviceID:       deviceID,
		Status:         payload.Status,
		IPAddress:      address,
		Metrics:        payload.Metrics,
		CommandResults: results,
	})
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	// 3. 构建响应
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "acknowledged",
		"pending_commands": resp.PendingCommands,
		"timestamp":        resp.Timestamp.Format(time.RFC3339),
	})
}

// logsPayload 日志批量上报请求体
type logsPayload struct {
	Lines []struct {
		Level     string     `json:"level"`
		Message   string     `json:"message"`
		Timestamp *time.Time `json:"timestamp"`
	} `json:"lines"`
}

// IngestLogs 日志批量上报
func (h *FleetHandler) IngestLogs(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	// 1. 参数解析
	var payload logsPayload
	if err := readBodyJSON(r, 4<<20, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error",
			"error":  "invalid body",
		})
		return
	}
	lines := make([]service.LogLine, 0, len(payload.Lines))
	for _, l := range payload.Lines {
		lines = append(lines, service.LogLine{
			Level:     l.Level,
			Message:   l.Message,
			Timestamp: l.Timestamp,
		})
	}

	// 2. 调用 Service
	resp, err := h.logService.Ingest(ctx, service.IngestLogsRequest{
		DeviceID: deviceID,
		Lines:    lines,
	})
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	// 3. 构建响应
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "accepted",
		"received": resp.Received,
	})
}

// scriptStatusPayload 运行版本上报请求体
type scriptStatusPayload struct {
	ScriptID      string `json:"script_id"`
	ScriptVersion string `json:"script_version"`
}

// ReportScriptStatus 设备上报正在运行的脚本版本
func (h *FleetHandler) ReportScriptStatus(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	// 1. 参数解析
	var payload scriptStatusPayload
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error",
			"error":  "invalid body",
		})
		return
	}

	// 2. 调用 Service
	resp, err := h.scriptService.ReportRunningScript(ctx, service.ReportRunningScriptRequest{
		DeviceID:      deviceID,
		ScriptID:      payload.ScriptID,
		ScriptVersion: payload.ScriptVersion,
	})
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	// 3. 构建响应
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "acknowledged",
		"drift":  string(resp.Drift),
	})
}

// remoteAddr 去掉端口的远端地址
func remoteAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
