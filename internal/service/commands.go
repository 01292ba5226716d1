package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetd/internal/models"
	"fleetd/internal/repository"
)

// CommandService 指令队列管理服务接口（管理端）
type CommandService interface {
	EnqueueCommand(ctx context.Context, req EnqueueCommandRequest) (*EnqueueCommandResponse, error)
	Actuate(ctx context.Context, req ActuateRequest) (*EnqueueCommandResponse, error)
	ListCommands(ctx context.Context, req ListCommandsRequest) (*ListCommandsResponse, error)
}

// commandService 实现
type commandService struct {
	devicesRepo  repository.DevicesRepo
	commandsRepo repository.CommandsRepo
	logger       *zap.Logger
}

// NewCommandService 创建 CommandService 实例
func NewCommandService(
	devicesRepo repository.DevicesRepo,
	commandsRepo repository.CommandsRepo,
	logger *zap.Logger,
) CommandService {
	return &commandService{
		devicesRepo:  devicesRepo,
		commandsRepo: commandsRepo,
		logger:       logger,
	}
}

// EnqueueCommandRequest 指令入队请求
type EnqueueCommandRequest struct {
	DeviceID    string         // 必填
	CommandType string         // 必填
	Payload     map[string]any // 可选
	Priority    *int           // 可选，默认 100，数值越小越先下发
	MaxAttempts *int           // 可选，默认 3
	ExpiresAt   *time.Time     // 可选：过期时刻，缺省不过期
}

// EnqueueCommandResponse 指令入队响应
type EnqueueCommandResponse struct {
	Command *models.Command
}

// ActuateRequest 直接执行请求：高优先级、单次尝试、一分钟过期
type ActuateRequest struct {
	DeviceID    string         // 必填
	CommandType string         // 必填
	Payload     map[string]any // 可选
}

// ListCommandsRequest 指令查询请求
type ListCommandsRequest struct {
	DeviceID string   // 必填
	Statuses []string // 可选：状态过滤
	Limit    int      // 可选，默认 50
}

// ListCommandsResponse 指令查询响应
type ListCommandsResponse struct {
	Items []models.Command
}

// EnqueueCommand 指令入队
func (s *commandService) EnqueueCommand(ctx context.Context, req EnqueueCommandRequest) (*EnqueueCommandResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}
	if req.CommandType == "" {
		return nil, models.NewValidationError("command_type")
	}

	now := time.Now().UTC()

	priority := models.DefaultCommandPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxAttempts := models.DefaultCommandMaxAttempts
	if req.MaxAttempts != nil {
		if *req.MaxAttempts <= 0 {
			return nil, &models.ValidationError{Field: "max_attempts", Reason: "must be positive"}
		}
		maxAttempts = *req.MaxAttempts
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, &models.ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
		t := req.ExpiresAt.UTC()
		expiresAt = &t
	}

	return s.enqueue(ctx, &models.Command{
		CommandID:   uuid.New().String(),
		DeviceID:    req.DeviceID,
		CommandType: req.CommandType,
		Payload:     req.Payload,
		Priority:    priority,
		Status:      models.CommandStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	})
}

// Actuate 直接执行变体：下一次设备轮询没赶上就过期作废，不重试
func (s *commandService) Actuate(ctx context.Context, req ActuateRequest) (*EnqueueCommandResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}
	if req.CommandType == "" {
		return nil, models.NewValidationError("command_type")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(models.ActuationTTL)

	return s.enqueue(ctx, &models.Command{
		CommandID:   uuid.New().String(),
		DeviceID:    req.DeviceID,
		CommandType: req.CommandType,
		Payload:     req.Payload,
		Priority:    models.ActuationPriority,
		Status:      models.CommandStatusPending,
		MaxAttempts: models.ActuationMaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   &expiresAt,
	})
}

// enqueue 公共入队路径：拒绝未知或已退役设备
func (s *commandService) enqueue(ctx context.Context, cmd *models.Command) (*EnqueueCommandResponse, error) {
	device, err := s.devicesRepo.Get(ctx, cmd.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("Enqueue device lookup failed",
			zap.String("device_id", cmd.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}
	if device.Retired() {
		return nil, models.ErrNotFound
	}

	if err := s.commandsRepo.Enqueue(ctx, cmd); err != nil {
		s.logger.Error("Enqueue failed",
			zap.String("device_id", cmd.DeviceID),
			zap.String("command_type", cmd.CommandType),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	s.logger.Info("Command enqueued",
		zap.String("device_id", cmd.DeviceID),
		zap.String("command_id", cmd.CommandID),
		zap.String("command_type", cmd.CommandType),
		zap.Int("priority", cmd.Priority),
	)

	return &EnqueueCommandResponse{Command: cmd}, nil
}

// ListCommands 查询设备指令
func (s *commandService) ListCommands(ctx context.Context, req ListCommandsRequest) (*ListCommandsResponse, error) {
	// 1. 参数验证
	if req.DeviceID == "" {
		return nil, models.NewValidationError("device_id")
	}

	// 2. 设备存在性检查
	if _, err := s.devicesRepo.Get(ctx, req.DeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("ListCommands device lookup failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	// 3. 调用 Repository
	items, err := s.commandsRepo.ListByDevice(ctx, req.DeviceID, req.Statuses, req.Limit)
	if err != nil {
		s.logger.Error("ListCommands failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, models.ErrTransientStore
	}

	return &ListCommandsResponse{Items: items}, nil
}
