package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"fleetd/internal/models"
)

const (
	realtimeKeyPrefix = "fleet:device:"
	realtimeKeySuffix = ":realtime"
	telemetryStream   = "fleet:telemetry:stream"

	// realtimeTTL 快照过期时间：远大于最大心跳周期即可，
	// 设备停止上报后键自然消失
	realtimeTTL = 30 * time.Minute

	// telemetryStreamMaxLen 流的近似保留长度
	telemetryStreamMaxLen = 10000
)

// RealtimeCache 设备实时快照缓存与遥测流发布。
// 缓存是旁路数据，写入失败由调用方记日志降级，不阻断心跳处理。
type RealtimeCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRealtimeCache(client *redis.Client, logger *zap.Logger) *RealtimeCache {
	return &RealtimeCache{client: client, logger: logger}
}

func realtimeKey(deviceID string) string {
	return realtimeKeyPrefix + deviceID + realtimeKeySuffix
}

// SetDeviceState 写入设备实时快照
func (c *RealtimeCache) SetDeviceState(ctx context.Context, state *models.RealtimeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal realtime state: %w", err)
	}
	return c.client.Set(ctx, realtimeKey(state.DeviceID), data, realtimeTTL).Err()
}

// GetDeviceState 读取设备实时快照，未命中返回 ErrMiss
func (c *RealtimeCache) GetDeviceState(ctx context.Context, deviceID string) (*models.RealtimeState, error) {
	val, err := c.client.Get(ctx, realtimeKey(deviceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMiss
		}
		return nil, err
	}
	var state models.RealtimeState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("unmarshal realtime state: %w", err)
	}
	return &state, nil
}

// DeleteDeviceState 删除设备实时快照（设备退役时调用）
func (c *RealtimeCache) DeleteDeviceState(ctx context.Context, deviceID string) error {
	return c.client.Del(ctx, realtimeKey(deviceID)).Err()
}

// PublishTelemetry 将遥测样本发布到 Redis Streams，供下游消费
func (c *RealtimeCache) PublishTelemetry(ctx context.Context, sample *models.TelemetrySample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal telemetry sample: %w", err)
	}
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: telemetryStream,
		MaxLen: telemetryStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"device_id": sample.DeviceID,
			"data":      string(data),
			"timestamp": sample.RecordedAt.Unix(),
		},
	}).Err()
}
