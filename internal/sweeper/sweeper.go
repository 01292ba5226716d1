// Package sweeper 周期性收敛存量设备状态。
//
// 读取路径总是按需推导有效状态，所以扫描不是正确性的前提；它的职责是
// 把长期静默设备的存量状态翻成 offline，让 SQL 过滤、导出和掉线通知
// 看到一致的值。翻转用条件更新持久化：扫描期间有心跳落地的设备
// (status, last_seen) 已变，更新影响 0 行，心跳获胜。
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/evaluator"
	"fleetd/internal/models"
	"fleetd/internal/repository"
)

// staleCutoff 进入候选集的最小静默时长。比最短判定窗口宽松，
// 只是少拉无关行的预过滤，权威判定仍在 ComputeStatus。
const staleCutoff = 90 * time.Second

// notifyTimeout 单次掉线通知的超时
const notifyTimeout = 15 * time.Second

// Notifier 掉线通知接口
type Notifier interface {
	NotifyOffline(ctx context.Context, device models.Device) error
}

// Sweeper 设备状态扫描器
type Sweeper struct {
	interval    time.Duration
	devicesRepo repository.DevicesRepo
	notifier    Notifier // 可为 nil（未配置 webhook）
	logger      *zap.Logger
}

// NewSweeper 创建 Sweeper 实例
func NewSweeper(
	interval time.Duration,
	devicesRepo repository.DevicesRepo,
	notifier Notifier,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		interval:    interval,
		devicesRepo: devicesRepo,
		notifier:    notifier,
		logger:      logger,
	}
}

// Start 启动扫描循环
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Status sweeper started",
		zap.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 立即执行一次
	if err := s.sweep(ctx); err != nil {
		s.logger.Error("Failed to sweep on startup", zap.Error(err))
	}

	// 定期轮询
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Status sweeper stopped")
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logger.Error("Failed to sweep", zap.Error(err))
				// 继续执行，不中断
			}
		}
	}
}

// sweep 单轮扫描
func (s *Sweeper) sweep(ctx context.Context) error {
	now := time.Now().UTC()

	candidates, err := s.devicesRepo.ListSweepCandidates(ctx, now.Add(-staleCutoff))
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	s.logger.Debug("Sweeping stale devices",
		zap.Int("candidate_count", len(candidates)),
	)

	flipped := 0
	for _, d := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		effective := evaluator.ComputeStatus(d, now)
		if effective != models.DeviceStatusOffline || d.Status == models.DeviceStatusOffline {
			continue
		}
		if d.LastSeen == nil {
			continue
		}

		ok, err := s.devicesRepo.CompareAndSetStatus(ctx, d.DeviceID, d.Status, models.DeviceStatusOffline, *d.LastSeen)
		if err != nil {
			s.logger.Error("Failed to flip device offline",
				zap.String("device_id", d.DeviceID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			// 扫描期间设备报到了，放弃这次翻转
			s.logger.Debug("Offline flip lost to live heartbeat",
				zap.String("device_id", d.DeviceID),
			)
			continue
		}

		flipped++
		s.logger.Info("Device marked offline",
			zap.String("device_id", d.DeviceID),
			zap.String("previous_status", string(d.Status)),
			zap.Time("last_seen", *d.LastSeen),
		)

		// 通知走独立超时，不阻塞后续候选
		if s.notifier != nil {
			go func(dev models.Device) {
				nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
				defer cancel()
				_ = s.notifier.NotifyOffline(nctx, dev)
			}(d)
		}
	}

	if flipped > 0 {
		s.logger.Info("Sweep pass finished",
			zap.Int("candidates", len(candidates)),
			zap.Int("flipped", flipped),
		)
	}
	return nil
}
