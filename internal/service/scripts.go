package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetd/internal/evaluator"
	"fleetd/internal/models"
	"fleetd/internal/repository"
)

// ScriptService 脚本分配与版本漂移服务接口
type ScriptService interface {
	// 管理端
	AssignScript(ctx context.Context, req AssignScriptRequest) (*AssignScriptResponse, error)
	GetScriptStatus(ctx context.Context, req GetScriptStatusRequest) (*GetScriptStatusResponse, error)

	// 设备端：上报正在运行的脚本版本
	ReportRunningScript(ctx context.Context, req ReportRunningScriptRequest) (*ReportRunningScriptResponse, error)
}

// scriptService 实现
type scriptService struct {
	devicesRepo repository.DevicesRepo
	scriptsRepo repository.ScriptsRepo
	logger      *zap.Logger
}

// NewScriptService 创建 ScriptService 实例
func NewScriptService(
	devicesRepo repository.DevicesRepo,
	scriptsRepo repository.ScriptsRepo,
	logger *zap.Logger,
) ScriptService {
	return &scriptService{
		devicesRepo: devicesRepo,
		scriptsRepo: scriptsRepo,
		logger:      logger,
	}
}

// AssignScriptRequest 脚本分配请求
type AssignScriptRequest struct {
	DeviceID      string // 必填
	ScriptID      string // 必填
	ScriptName    string // 可选
	ScriptVersion string // 必填
	ScriptType    string // 可选，默认 micropython
	Content       string // 必填
}

// AssignScriptResponse 脚本分配响应
type AssignScriptResponse struct {
	Assignment *models.ScriptAssignment
}

// GetScriptStatusRequest 脚本状态查询请求
type GetScriptStatusRequest struct {
	DeviceID string // 必填
}

// GetScriptStatusResponse 脚本状态查询响应
type GetScriptStatusResponse struct {
	Assignment      *models.ScriptAssignment // 无分配时为 nil
	ReportedVersion string
	Drift           models.DriftState
}

// ReportRunningScriptRequest 设备上报运行版本请求
type ReportRunningScriptRequest struct {
	DeviceID      string // 必填
	ScriptID      string // 可选
	ScriptVersion string // 必填
}

// ReportRunningScriptResponse 设备上报运行版本响应
type ReportRunningScriptResponse struct {
	Drift models.DriftState
}

// AssignScript 分配脚本：同设备旧的激活记录置为 inactive，新记录激活
func (s *scriptService) AssignScript(ctx context.Context, req AssignScriptRequest) (*AssignScriptResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}
	if req.ScriptID == "" {
		return nil, models.NewValidationError("script_id")
	}
	if req.ScriptVersion == "" {
		return nil, models.NewValidationError("script_version")
	}
	if req.Content == "" {
		return nil, models.NewValidationError("content")
	}
	scriptType := req.ScriptType
	if scriptType == "" {
		scriptType = models.DefaultScriptType
	}

	// 2. 设备存在性检查
	device, err := s.devicesRepo.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("AssignScript device lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}
	if device.Retired() {
		return nil, models.ErrNotFound
	}

	// 3. 写入新分配
	assignment := &models.ScriptAssignment{
		AssignmentID:  uuid.New().String(),
		DeviceID:      req.DeviceID,
		ScriptID:      req.ScriptID,
		ScriptName:    req.ScriptName,
		ScriptVersion: req.ScriptVersion,
		ScriptType:    scriptType,
		Content:       req.Content,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.scriptsRepo.Assign(ctx, assignment); err != nil {
		s.logger.Error("AssignScript failed",
			zap.String("device_id", req.DeviceID),
			zap.String("script_id", req.ScriptID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	s.logger.Info("Script assigned",
		zap.String("device_id", req.DeviceID),
		zap.String("script_id", req.ScriptID),
		zap.String("script_version", req.ScriptVersion),
	)

	return &AssignScriptResponse{Assignment: assignment}, nil
}

// GetScriptStatus 查询分配与漂移分类（只读推导，从不落库）
func (s *scriptService) GetScriptStatus(ctx context.Context, req GetScriptStatusRequest) (*GetScriptStatusResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}

	// 2. 设备存在性检查
	device, err := s.devicesRepo.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("GetScriptStatus device lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 3. 读取激活分配并分类
	assignment, err := s.scriptsRepo.GetActive(ctx, req.DeviceID)
	if err != nil {
		s.logger.Error("GetScriptStatus assignment lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	return &GetScriptStatusResponse{
		Assignment:      assignment,
		ReportedVersion: device.ReportedScriptVersion,
		Drift:           evaluator.ClassifyDrift(assignment, device.ReportedScriptVersion),
	}, nil
}

// ReportRunningScript 设备上报运行版本，顺带刷新到达时间
func (s *scriptService) ReportRunningScript(ctx context.Context, req ReportRunningScriptRequest) (*ReportRunningScriptResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}
	if req.ScriptVersion == "" {
		return nil, models.NewValidationError("script_version")
	}

	now := time.Now().UTC()

	// 2. 身份检查
	device, err := s.devicesRepo.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotRegistered
		}
		s.logger.Error("ReportRunningScript device lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}
	if device.Retired() {
		return nil, models.ErrNotRegistered
	}

	// 3. 写入上报版本
	if err := s.devicesRepo.UpdateReportedScript(ctx, req.DeviceID, req.ScriptID, req.ScriptVersion, now); err != nil {
		s.logger.Error("ReportRunningScript update failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 4. 返回最新漂移分类
	assignment, err := s.scriptsRepo.GetActive(ctx, req.DeviceID)
	if err != nil {
		s.logger.Error("ReportRunningScript assignment lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	return &ReportRunningScriptResponse{
		Drift: evaluator.ClassifyDrift(assignment, req.ScriptVersion),
	}, nil
}
