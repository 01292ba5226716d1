package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"fleetd/internal/models"
)

// OfflineNotifier 设备掉线通知接口，周期扫描在状态翻转后调用
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, device models.Device) error
}

// offlineEvent 通知负载
type offlineEvent struct {
	Event       string     `json:"event"`
	DeviceID    string     `json:"device_id"`
	DisplayName string     `json:"display_name,omitempty"`
	DeviceType  string     `json:"device_type,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	Timestamp   int64      `json:"timestamp"`
}

// WebhookNotifier 掉线事件的 HTTP 外呼实现
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 WebhookNotifier 实例
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// NotifyOffline 推送设备掉线事件
func (n *WebhookNotifier) NotifyOffline(ctx context.Context, device models.Device) error {
	event := offlineEvent{
		Event:       "device_offline",
		DeviceID:    device.DeviceID,
		DisplayName: device.DisplayName,
		DeviceType:  device.DeviceType,
		LastSeen:    device.LastSeen,
		Timestamp:   time.Now().Unix(),
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(event).
		Post(n.url)
	if err != nil {
		n.logger.Error("Offline webhook call failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to call offline webhook: %w", err)
	}
	if resp.IsError() {
		n.logger.Error("Offline webhook returned error",
			zap.String("device_id", device.DeviceID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("offline webhook error: status %d", resp.StatusCode())
	}

	n.logger.Info("Offline webhook delivered",
		zap.String("device_id", device.DeviceID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
