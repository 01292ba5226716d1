package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/models"
	"fleetd/internal/repository"
	"fleetd/internal/store"
)

// RegistrationService 设备注册服务接口（phone-home）
type RegistrationService interface {
	Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error)
}

// registrationService 实现
type registrationService struct {
	devicesRepo   repository.DevicesRepo
	scriptsRepo   repository.ScriptsRepo
	cache         *store.RealtimeCache
	publicBaseURL string
	logger        *zap.Logger
}

// NewRegistrationService 创建 RegistrationService 实例
func NewRegistrationService(
	devicesRepo repository.DevicesRepo,
	scriptsRepo repository.ScriptsRepo,
	cache *store.RealtimeCache,
	publicBaseURL string,
	logger *zap.Logger,
) RegistrationService {
	return &registrationService{
		devicesRepo:   devicesRepo,
		scriptsRepo:   scriptsRepo,
		cache:         cache,
		publicBaseURL: publicBaseURL,
		logger:        logger,
	}
}

// RegisterRequest 设备注册请求
type RegisterRequest struct {
	DeviceID        string   // 必填
	DisplayName     string   // 可选
	DeviceType      string   // 可选
	BoardType       string   // 可选
	HardwareInfo    string   // 可选
	FirmwareVersion string   // 可选
	IPAddress       string   // 可选：缺省时 handler 回填远端地址
	MACAddress      string   // 可选
	Capabilities    []string // 可选
	CheckInInterval int      // 可选，默认 60 秒
}

// RegisterResponse 设备注册响应
type RegisterResponse struct {
	Device          *models.Device
	HasConfig       bool   // 是否已有激活的脚本分配
	CheckInInterval int    // 设备应使用的心跳间隔（秒）
	ConfigEndpoint  string // 配置轮询地址
}

// Register 注册即到达：同一 device_id 重复注册幂等，声明字段覆盖、
// 未声明字段保留，软删除记录复活
func (s *registrationService) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}

	now := time.Now().UTC()

	// 2. 写入注册表
	device, err := s.devicesRepo.Upsert(ctx, models.DeviceRegistration{
		DeviceID:        req.DeviceID,
		DisplayName:     req.DisplayName,
		DeviceType:      req.DeviceType,
		BoardType:       req.BoardType,
		HardwareInfo:    req.HardwareInfo,
		FirmwareVersion: req.FirmwareVersion,
		IPAddress:       req.IPAddress,
		MACAddress:      req.MACAddress,
		Capabilities:    req.Capabilities,
		CheckInInterval: req.CheckInInterval,
	}, now)
	if err != nil {
		s.logger.Error("Register upsert failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 3. 查询是否已有激活配置
	hasConfig := false
	if assignment, err := s.scriptsRepo.GetActive(ctx, device.DeviceID); err != nil {
		s.logger.Warn("Register active assignment lookup failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	} else if assignment != nil {
		hasConfig = true
	}

	// 4. 刷新实时快照（旁路缓存，失败不影响注册）
	if s.cache != nil {
		state := &models.RealtimeState{
			DeviceID:  device.DeviceID,
			Status:    string(device.Status),
			Timestamp: now.Unix(),
		}
		if err := s.cache.SetDeviceState(ctx, state); err != nil {
			s.logger.Warn("Register realtime cache write failed",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("Device registered",
		zap.String("device_id", device.DeviceID),
		zap.String("device_type", device.DeviceType),
		zap.String("firmware_version", device.FirmwareVersion),
		zap.Int("check_in_interval", device.CheckInInterval),
	)

	return &RegisterResponse{
		Device:          device,
		HasConfig:       hasConfig,
		CheckInInterval: device.EffectiveInterval(),
		ConfigEndpoint:  fmt.Sprintf("%s/fleet/api/v1/devices/%s/config", s.publicBaseURL, device.DeviceID),
	}, nil
}
