package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/service"
)

// enqueueCommandPayload 指令入队请求体
type enqueueCommandPayload struct {
	CommandType string         `json:"command_type"`
	CommandData map[string]any `json:"command_data"`
	Priority    *int           `json:"priority"`
	MaxAttempts *int           `json:"max_attempts"`
	ExpiresAt   *time.Time     `json:"expires_at"`
}

// enqueueCommand 指令入队
func (a *AdminAPI) enqueueCommand(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	// 1. 参数解析
	var payload enqueueCommandPayload
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	// 2. 调用 Service
	resp, err := a.commandService.EnqueueCommand(ctx, service.EnqueueCommandRequest{
		DeviceID:    deviceID,
		CommandType: payload.CommandType,
		Payload:     payload.CommandData,
		Priority:    payload.Priority,
		MaxAttempts: payload.MaxAttempts,
		ExpiresAt:   payload.ExpiresAt,
	})
	if err != nil {
		a.logger.Error("EnqueueCommand failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	// 3. 构建响应
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"command_id": resp.Command.CommandID,
	}))
}

// listCommands 查询指令队列
func (a *AdminAPI) listCommands(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	// status 支持重复参数或逗号分隔
	statuses := r.URL.Query()["status"]
	if len(statuses) == 1 && strings.Contains(statuses[0], ",") {
		statuses = strings.Split(statuses[0], ",")
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	resp, err := a.commandService.ListCommands(ctx, service.ListCommandsRequest{
		DeviceID: deviceID,
		Statuses: statuses,
		Limit:    limit,
	})
	if err != nil {
		a.logger.Error("ListCommands failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, c := range resp.Items {
		items = append(items, c.ToJSON())
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items}))
}

// actuatePayload 直接执行请求体
type actuatePayload struct {
	CommandType string         `json:"command_type"`
	CommandData map[string]any `json:"command_data"`
}

// actuate 直接执行：高优先级、单次尝试、一分钟过期
func (a *AdminAPI) actuate(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	var payload actuatePayload
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	resp, err := a.commandService.Actuate(ctx, service.ActuateRequest{
		DeviceID:    deviceID,
		CommandType: payload.CommandType,
		Payload:     payload.CommandData,
	})
	if err != nil {
		a.logger.Error("Actuate failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"command_id": resp.Command.CommandID,
		"expires_at": resp.Command.ExpiresAt,
	}))
}
