package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/models"
	"fleetd/internal/repository"
)

// ConfigService 配置分发服务接口
type ConfigService interface {
	GetConfig(ctx context.Context, req GetConfigRequest) (*GetConfigResponse, error)
}

// configService 实现
type configService struct {
	devicesRepo  repository.DevicesRepo
	scriptsRepo  repository.ScriptsRepo
	commandsRepo repository.CommandsRepo
	logger       *zap.Logger
}

// NewConfigService 创建 ConfigService 实例
func NewConfigService(
	devicesRepo repository.DevicesRepo,
	scriptsRepo repository.ScriptsRepo,
	commandsRepo repository.CommandsRepo,
	logger *zap.Logger,
) ConfigService {
	return &configService{
		devicesRepo:  devicesRepo,
		scriptsRepo:  scriptsRepo,
		commandsRepo: commandsRepo,
		logger:       logger,
	}
}

// dequeueBatchLimit 单次配置轮询附带下发的指令条数上限
const dequeueBatchLimit = 10

// GetConfigRequest 配置轮询请求
type GetConfigRequest struct {
	DeviceID string // 必填
}

// GetConfigResponse 配置轮询响应
type GetConfigResponse struct {
	Available       bool
	Changed         bool
	Hash            string
	Assignment      *models.ScriptAssignment // Available=true 时非空
	Commands        []models.Command         // 无论配置是否可用都附带
	CheckInInterval int
}

// GetConfig 配置分发：激活脚本分配即设备配置。哈希与存储值不同时记录
// 新哈希并报告 changed=true（每次变更只报告一次）；指令无论配置
// 是否变化都附带，避免配置长期不变时指令饿死
func (s *configService) GetConfig(ctx context.Context, req GetConfigRequest) (*GetConfigResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}

	now := time.Now().UTC()

	// 2. 身份检查
	device, err := s.devicesRepo.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Config poll from unregistered device",
				zap.String("device_id", req.DeviceID),
			)
			return nil, models.ErrNotRegistered
		}
		s.logger.Error("Config poll device lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}
	if device.Retired() {
		return nil, models.ErrNotRegistered
	}

	// 3. 轮询本身就是一次到达
	if err := s.devicesRepo.MarkContact(ctx, device.DeviceID, now); err != nil {
		s.logger.Error("Config poll contact update failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 4. 先出队指令，配置缺失时也要下发
	commands, err := s.commandsRepo.DequeueDueBatch(ctx, device.DeviceID, dequeueBatchLimit, now)
	if err != nil {
		s.logger.Error("Config poll dequeue failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 5. 读取激活配置
	assignment, err := s.scriptsRepo.GetActive(ctx, device.DeviceID)
	if err != nil {
		s.logger.Error("Config poll assignment lookup failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}
	if assignment == nil {
		return &GetConfigResponse{
			Available:       false,
			Commands:        commands,
			CheckInInterval: device.EffectiveInterval(),
		}, nil
	}

	// 6. 稳定哈希比对，变更只记录一次
	hash := configHash(assignment)
	changed := hash != device.ConfigHash
	if changed {
		if err := s.devicesRepo.UpdateConfigHash(ctx, device.DeviceID, hash, now); err != nil {
			s.logger.Error("Config poll hash update failed",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			return nil, models.ErrTransientStore
		}
		s.logger.Info("Device configuration changed",
			zap.String("device_id", device.DeviceID),
			zap.String("config_hash", hash),
			zap.String("script_version", assignment.ScriptVersion),
		)
	}

	return &GetConfigResponse{
		Available:       true,
		Changed:         changed,
		Hash:            hash,
		Assignment:      assignment,
		Commands:        commands,
		CheckInInterval: device.EffectiveInterval(),
	}, nil
}

// configHash 配置内容的稳定哈希：脚本标识、版本与正文逐段参与，
// 字段间以换行分隔避免拼接歧义
func configHash(a *models.ScriptAssignment) string {
	h := sha256.New()
	h.Write([]byte(a.ScriptID))
	h.Write([]byte("\n"))
	h.Write([]byte(a.ScriptVersion))
	h.Write([]byte("\n"))
	h.Write([]byte(a.Content))
	return hex.EncodeToString(h.Sum(nil))
}
