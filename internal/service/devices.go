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
	"fleetd/internal/store"
)

// DeviceAdminService 管理端设备视图服务接口
type DeviceAdminService interface {
	ListDevices(ctx context.Context, req ListDevicesRequest) (*ListDevicesResponse, error)
	GetDevice(ctx context.Context, req GetDeviceRequest) (*GetDeviceResponse, error)
	RetireDevice(ctx context.Context, req RetireDeviceRequest) (*RetireDeviceResponse, error)
	ListTelemetry(ctx context.Context, req ListTelemetryRequest) (*ListTelemetryResponse, error)
}

// deviceAdminService 实现
type deviceAdminService struct {
	devicesRepo   repository.DevicesRepo
	commandsRepo  repository.CommandsRepo
	scriptsRepo   repository.ScriptsRepo
	telemetryRepo repository.TelemetryRepo
	cache         *store.RealtimeCache
	logger        *zap.Logger
}

// NewDeviceAdminService 创建 DeviceAdminService 实例
func NewDeviceAdminService(
	devicesRepo repository.DevicesRepo,
	commandsRepo repository.CommandsRepo,
	scriptsRepo repository.ScriptsRepo,
	telemetryRepo repository.TelemetryRepo,
	cache *store.RealtimeCache,
	logger *zap.Logger,
) DeviceAdminService {
	return &deviceAdminService{
		devicesRepo:   devicesRepo,
		commandsRepo:  commandsRepo,
		scriptsRepo:   scriptsRepo,
		telemetryRepo: telemetryRepo,
		cache:         cache,
		logger:        logger,
	}
}

// ListDevicesRequest 查询设备列表请求
type ListDevicesRequest struct {
	Statuses   []string // 可选：存储状态过滤
	DeviceType string   // 可选
	SearchType string   // 可选：device_id / mac_address / display_name
	Keyword    string   // 可选
	Page       int      // 可选，默认 1
	Size       int      // 可选，默认 20
}

// ListDevicesResponse 查询设备列表响应
type ListDevicesResponse struct {
	Items []models.Device // 列表项的 Status 为按当前时刻推导的有效状态
	Total int
}

// GetDeviceRequest 查询设备详情请求
type GetDeviceRequest struct {
	DeviceID string // 必填
}

// GetDeviceResponse 查询设备详情响应
type GetDeviceResponse struct {
	Device          *models.Device
	PendingCommands int
	Assignment      *models.ScriptAssignment // 激活分配，无则 nil
	Drift           models.DriftState
	Realtime        *models.RealtimeState // 实时快照，缓存未命中为 nil
}

// RetireDeviceRequest 设备退役请求
type RetireDeviceRequest struct {
	DeviceID string // 必填
}

// RetireDeviceResponse 设备退役响应
type RetireDeviceResponse struct {
	Success bool
}

// ListTelemetryRequest 遥测查询请求
type ListTelemetryRequest struct {
	DeviceID string // 必填
	Limit    int    // 可选，默认 50
}

// ListTelemetryResponse 遥测查询响应
type ListTelemetryResponse struct {
	Items []models.TelemetrySample
}

// ListDevices 查询设备列表，状态按当前时刻重新推导
func (s *deviceAdminService) ListDevices(ctx context.Context, req ListDevicesRequest) (*ListDevicesResponse, error) {
	now := time.Now().UTC()

	items, total, err := s.devicesRepo.List(ctx, repository.DeviceFilters{
		Statuses:   req.Statuses,
		DeviceType: req.DeviceType,
		SearchType: req.SearchType,
		Keyword:    req.Keyword,
		Page:       req.Page,
		Size:       req.Size,
	})
	if err != nil {
		s.logger.Error("ListDevices failed", zap.Error(err))
		return nil, models.ErrTransientStore
	}

	// 读取路径只推导不落库，过期状态由周期扫描收敛
	for i := range items {
		items[i].Status = evaluator.ComputeStatus(items[i], now)
	}

	return &ListDevicesResponse{Items: items, Total: total}, nil
}

// GetDevice 查询设备详情：有效状态、激活分配与漂移、待执行指令数、实时快照
func (s *deviceAdminService) GetDevice(ctx context.Context, req GetDeviceRequest) (*GetDeviceResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}

	now := time.Now().UTC()

	// 2. 读取设备
	device, err := s.devicesRepo.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("GetDevice failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}
	if device.Retired() {
		return nil, models.ErrNotFound
	}
	device.Status = evaluator.ComputeStatus(*device, now)

	// 3. 待执行指令数
	pending, err := s.commandsRepo.CountPending(ctx, req.DeviceID, now)
	if err != nil {
		s.logger.Error("GetDevice pending count failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 4. 激活分配与漂移
	assignment, err := s.scriptsRepo.GetActive(ctx, req.DeviceID)
	if err != nil {
		s.logger.Error("GetDevice assignment lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 5. 实时快照（缓存未命中或未启用时为 nil）
	var realtime *models.RealtimeState
	if s.cache != nil {
		state, err := s.cache.GetDeviceState(ctx, req.DeviceID)
		if err != nil && !errors.Is(err, store.ErrMiss) {
			s.logger.Warn("GetDevice realtime cache read failed",
				zap.String("device_id", req.DeviceID),
				zap.Error(err),
			)
		} else if err == nil {
			realtime = state
		}
	}

	return &GetDeviceResponse{
		Device:          device,
		PendingCommands: pending,
		Assignment:      assignment,
		Drift:           evaluator.ClassifyDrift(assignment, device.ReportedScriptVersion),
		Realtime:        realtime,
	}, nil
}

// RetireDevice 软删除：记录保留，设备从正常路径消失；重复退役幂等
func (s *deviceAdminService) RetireDevice(ctx context.Context, req RetireDeviceRequest) (*RetireDeviceResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}

	now := time.Now().UTC()

	// 2. 设备存在性检查
	if _, err := s.devicesRepo.Get(ctx, req.DeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("RetireDevice lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 3. 软删除
	if err := s.devicesRepo.Retire(ctx, req.DeviceID, now); err != nil {
		s.logger.Error("RetireDevice failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 4. 清理实时快照
	if s.cache != nil {
		if err := s.cache.DeleteDeviceState(ctx, req.DeviceID); err != nil {
			s.logger.Warn("RetireDevice realtime cache cleanup failed",
				zap.String("device_id", req.DeviceID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("Device retired", zap.String("device_id", req.DeviceID))

	return &RetireDeviceResponse{Success: true}, nil
}

// ListTelemetry 查询设备最近的遥测样本
func (s *deviceAdminService) ListTelemetry(ctx context.Context, req ListTelemetryRequest) (*ListTelemetryResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}

	// 2. 设备存在性检查
	if _, err := s.devicesRepo.Get(ctx, req.DeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("ListTelemetry device lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 3. 调用 Repository
	items, err := s.telemetryRepo.ListRecentSamples(ctx, req.DeviceID, req.Limit)
	if err != nil {
		s.logger.Error("ListTelemetry failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	return &ListTelemetryResponse{Items: items}, nil
}
