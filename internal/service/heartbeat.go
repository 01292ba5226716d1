package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetd/internal/evaluator"
	"fleetd/internal/models"
	"fleetd/internal/repository"
	"fleetd/internal/store"
)

// HeartbeatService 心跳摄入服务接口
type HeartbeatService interface {
	Process(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error)
}

// heartbeatService 实现
type heartbeatService struct {
	devicesRepo   repository.DevicesRepo
	commandsRepo  repository.CommandsRepo
	telemetryRepo repository.TelemetryRepo
	cache         *store.RealtimeCache
	logger        *zap.Logger
}

// NewHeartbeatService 创建 HeartbeatService 实例
func NewHeartbeatService(
	devicesRepo repository.DevicesRepo,
	commandsRepo repository.CommandsRepo,
	telemetryRepo repository.TelemetryRepo,
	cache *store.RealtimeCache,
	logger *zap.Logger,
) HeartbeatService {
	return &heartbeatService{
		devicesRepo:   devicesRepo,
		commandsRepo:  commandsRepo,
		telemetryRepo: telemetryRepo,
		cache:         cache,
		logger:        logger,
	}
}

// CommandResultInput 心跳携带的指令执行回执
type CommandResultInput struct {
	CommandID string
	Status    string
	Result    string
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	DeviceID       string               // 必填
	Status         string               // 可选：online / hibernating，缺省按 online
	IPAddress      string               // 可选
	Metrics        map[string]any       // 可选：原样持久化，识别字段另行提取
	CommandResults []CommandResultInput // 可选
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	PendingCommands int       // 仍在排队的指令数
	Timestamp       time.Time // 服务端处理时间
}

// Process 心跳处理：刷新到达状态、提取识别指标、电池仲裁写入、
// 持久化遥测样本、消化指令回执，最后返回待执行指令数
func (s *heartbeatService) Process(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}
	status, err := normalizeHeartbeatStatus(req.Status)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	// 2. 身份检查：未注册设备收到明确信号后会重新注册
	device, err := s.devicesRepo.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Heartbeat from unregistered device",
				zap.String("device_id", req.DeviceID),
			)
			return nil, models.ErrNotRegistered
		}
		s.logger.Error("Heartbeat device lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}
	if device.Retired() {
		return nil, models.ErrNotRegistered
	}

	// 3. 到达状态与单一来源指标直接写入
	temperature := metricFloat(req.Metrics, "temperature")
	relayOn := metricBool(req.Metrics, "relay", "relay_on")

	update := repository.HeartbeatUpdate{
		DeviceID:    device.DeviceID,
		SeenAt:      now,
		Status:      status,
		Temperature: temperature,
		RelayOn:     relayOn,
	}
	if req.IPAddress != "" {
		ip := req.IPAddress
		update.IPAddress = &ip
	}
	if err := s.devicesRepo.UpdateHeartbeatState(ctx, update); err != nil {
		s.logger.Error("Heartbeat state update failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 4. 电池字段走仲裁
	battery := models.BatteryStateOf(*device)
	obs := evaluator.BatteryObservation{
		Source:  models.BatterySourceHeartbeat,
		Percent: metricFloat(req.Metrics, "battery_percent", "battery_level"),
		Voltage: metricFloat(req.Metrics, "battery_voltage", "voltage"),
		At:      now,
	}
	if next, applied := evaluator.ResolveBattery(battery, obs); applied {
		written, err := s.devicesRepo.UpdateBattery(ctx, device.DeviceID, next)
		if err != nil {
			s.logger.Error("Heartbeat battery update failed",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			return nil, models.ErrTransientStore
		}
		if written {
			battery = next
		} else {
			// 读取快照后刚好有日志来源写入落地，压制窗口在存储侧再次生效
			s.logger.Debug("Heartbeat battery write suppressed at store",
				zap.String("device_id", device.DeviceID),
			)
		}
	}

	// 5. 原始 metrics 作为遥测样本持久化
	if len(req.Metrics) > 0 {
		sample := &models.TelemetrySample{
			DeviceID:   device.DeviceID,
			Payload:    req.Metrics,
			RecordedAt: now,
		}
		if err := s.telemetryRepo.InsertSample(ctx, sample); err != nil {
			s.logger.Error("Heartbeat telemetry insert failed",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			return nil, models.ErrTransientStore
		}
		if s.cache != nil {
			if err := s.cache.PublishTelemetry(ctx, sample); err != nil {
				s.logger.Warn("Heartbeat telemetry stream publish failed",
					zap.String("device_id", device.DeviceID),
					zap.Error(err),
				)
			}
		}
	}

	// 6. 刷新实时快照（旁路缓存，失败降级）
	if s.cache != nil {
		state := &models.RealtimeState{
			DeviceID:       device.DeviceID,
			Status:         string(status),
			Temperature:    temperature,
			RelayOn:        relayOn,
			BatteryPercent: battery.Percent,
			BatteryVoltage: battery.Voltage,
			Timestamp:      now.Unix(),
		}
		if err := s.cache.SetDeviceState(ctx, state); err != nil {
			s.logger.Warn("Heartbeat realtime cache write failed",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
	}

	// 7. 消化指令回执：逐条喂给幂等回执写入
	for _, result := range req.CommandResults {
		if _, err := uuid.Parse(result.CommandID); err != nil {
			s.logger.Debug("Heartbeat command result with malformed id ignored",
				zap.String("device_id", device.DeviceID),
				zap.String("command_id", result.CommandID),
			)
			continue
		}
		ackStatus := normalizeAckStatus(result.Status)
		if err := s.commandsRepo.Acknowledge(ctx, device.DeviceID, result.CommandID, ackStatus, result.Result, now); err != nil {
			s.logger.Error("Heartbeat command acknowledge failed",
				zap.String("device_id", device.DeviceID),
				zap.String("command_id", result.CommandID),
				zap.Error(err),
			)
			return nil, models.ErrTransientStore
		}
	}

	// 8. 返回待执行指令数
	pending, err := s.commandsRepo.CountPending(ctx, device.DeviceID, now)
	if err != nil {
		s.logger.Error("Heartbeat pending count failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	return &HeartbeatResponse{
		PendingCommands: pending,
		Timestamp:       now,
	}, nil
}

// normalizeHeartbeatStatus 设备只能自报 online 或 hibernating，缺省按 online
func normalizeHeartbeatStatus(raw string) (models.DeviceStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "online":
		return models.DeviceStatusOnline, nil
	case "hibernating":
		return models.DeviceStatusHibernating, nil
	default:
		return "", &models.ValidationError{Field: "status", Reason: "must be online or hibernating"}
	}
}

// normalizeAckStatus 设备回执措辞宽松，按成功关键词归一到终态
func normalizeAckStatus(raw string) models.CommandStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "success", "ok", "done":
		return models.CommandStatusCompleted
	default:
		return models.CommandStatusFailed
	}
}

// metricFloat 从 metrics 提取首个命中的数值字段
func metricFloat(metrics map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		v, ok := metrics[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return &n
		case int:
			f := float64(n)
			return &f
		}
	}
	return nil
}

// metricBool 从 metrics 提取首个命中的布尔字段
func metricBool(metrics map[string]any, keys ...string) *bool {
	for _, key := range keys {
		v, ok := metrics[key]
		if !ok {
			continue
		}
		if b, ok := v.(bool); ok {
			return &b
		}
	}
	return nil
}
