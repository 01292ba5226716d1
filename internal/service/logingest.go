package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/evaluator"
	"fleetd/internal/models"
	"fleetd/internal/repository"
	"fleetd/internal/transformer"
)

// LogIngestService 设备日志摄入服务接口。
// HTTP 批量上报与 MQTT 桥接共用同一条处理路径。
type LogIngestService interface {
	Ingest(ctx context.Context, req IngestLogsRequest) (*IngestLogsResponse, error)
}

// logIngestService 实现
type logIngestService struct {
	devicesRepo   repository.DevicesRepo
	telemetryRepo repository.TelemetryRepo
	logger        *zap.Logger
}

// NewLogIngestService 创建 LogIngestService 实例
func NewLogIngestService(
	devicesRepo repository.DevicesRepo,
	telemetryRepo repository.TelemetryRepo,
	logger *zap.Logger,
) LogIngestService {
	return &logIngestService{
		devicesRepo:   devicesRepo,
		telemetryRepo: telemetryRepo,
		logger:        logger,
	}
}

// LogLine 单条设备日志
type LogLine struct {
	Level     string     // 可选，默认 info
	Message   string     // 必填
	Timestamp *time.Time // 可选，缺省取服务端时间
}

// IngestLogsRequest 日志摄入请求
type IngestLogsRequest struct {
	DeviceID string    // 必填
	Lines    []LogLine // 至少一条
}

// IngestLogsResponse 日志摄入响应
type IngestLogsResponse struct {
	Received   int // 持久化的日志行数
	Hibernated bool
}

// Ingest 逐行处理设备日志：持久化原文，识别深度休眠标记并强制置
// hibernating，提取电池读数走日志来源仲裁（批内多行依次平滑）
func (s *logIngestService) Ingest(ctx context.Context, req IngestLogsRequest) (*IngestLogsResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}
	if len(req.Lines) == 0 {
		return nil, models.NewValidationError("lines")
	}

	now := time.Now().UTC()

	// 2. 身份检查
	device, err := s.devicesRepo.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Log batch from unregistered device",
				zap.String("device_id", req.DeviceID),
			)
			return nil, models.ErrNotRegistered
		}
		s.logger.Error("Log ingest device lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}
	if device.Retired() {
		return nil, models.ErrNotRegistered
	}

	battery := models.BatteryStateOf(*device)
	received := 0
	hibernated := false

	// 3. 逐行处理
	for _, line := range req.Lines {
		if line.Message == "" {
			continue
		}
		loggedAt := now
		if line.Timestamp != nil {
			loggedAt = line.Timestamp.UTC()
		}
		level := line.Level
		if level == "" {
			level = "info"
		}

		if err := s.telemetryRepo.InsertLog(ctx, &models.DeviceLog{
			DeviceID: device.DeviceID,
			Level:    level,
			Message:  line.Message,
			LoggedAt: loggedAt,
		}); err != nil {
			s.logger.Error("Log insert failed",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			return nil, models.ErrTransientStore
		}
		received++

		// 深度休眠标记：强制 hibernating 并按信号到达时刻刷新 last_seen
		if transformer.IsHibernationSignal(line.Message) {
			if err := s.devicesRepo.ForceHibernate(ctx, device.DeviceID, loggedAt); err != nil {
				s.logger.Error("Force hibernate failed",
					zap.String("device_id", device.DeviceID),
					zap.Error(err),
				)
				return nil, models.ErrTransientStore
			}
			hibernated = true
			s.logger.Info("Device entering hibernation",
				zap.String("device_id", device.DeviceID),
				zap.String("message", line.Message),
			)
		}

		// 电池读数：日志来源仲裁写入
		reading := transformer.ExtractBattery(line.Message)
		if reading == nil {
			continue
		}
		obs := evaluator.BatteryObservation{
			Source:  models.BatterySourceLog,
			Percent: reading.Percent,
			Voltage: reading.Voltage,
			At:      loggedAt,
		}
		next, applied := evaluator.ResolveBattery(battery, obs)
		if !applied {
			continue
		}
		written, err := s.devicesRepo.UpdateBattery(ctx, device.DeviceID, next)
		if err != nil {
			s.logger.Error("Log battery update failed",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			return nil, models.ErrTransientStore
		}
		if written {
			battery = next
		}
	}

	return &IngestLogsResponse{Received: received, Hibernated: hibernated}, nil
}
