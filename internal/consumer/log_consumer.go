package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/config"
	"fleetd/internal/models"
	"fleetd/internal/mqtt"
	"fleetd/internal/service"
)

// LogConsumer MQTT日志消息消费者
//
// 设备除 HTTP 上报外还可以把日志行发到 fleet/{device_id}/logs 主题，
// 两条路径共用同一个落库与休眠/电量解析逻辑。
type LogConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	logService service.LogIngestService
	logger     *zap.Logger
}

// NewLogConsumer 创建日志消费者
func NewLogConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	logService service.LogIngestService,
	logger *zap.Logger,
) *LogConsumer {
	return &LogConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		logService: logService,
		logger:     logger,
	}
}

// Start 启动消费者
func (c *LogConsumer) Start(ctx context.Context) error {
	// 订阅设备日志主题
	if err := c.mqttClient.Subscribe(c.config.MQTT.LogTopic, 1, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to log topic: %w", err)
	}

	c.logger.Info("Log consumer started",
		zap.String("topic", c.config.MQTT.LogTopic),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *LogConsumer) Stop(ctx context.Context) error {
	// 取消订阅
	if err := c.mqttClient.Unsubscribe(c.config.MQTT.LogTopic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("Log consumer stopped")
	return nil
}

// handleMessage 处理MQTT消息
func (c *LogConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT log message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	// 1. 从主题中提取设备标识符
	// 主题格式: fleet/{device_id}/logs
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" {
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	deviceID := parts[1]

	// 2. 解析消息，JSON 或固件直出的纯文本都接受
	lines := parseLogPayload(payload)
	if len(lines) == 0 {
		c.logger.Debug("Log message carried no lines",
			zap.String("device_id", deviceID),
		)
		return nil
	}

	// 3. 走统一的日志摄入路径
	resp, err := c.logService.Ingest(context.Background(), service.IngestLogsRequest{
		DeviceID: deviceID,
		Lines:    lines,
	})
	if err != nil {
		if errors.Is(err, models.ErrNotRegistered) {
			c.logger.Warn("Log message from unregistered device",
				zap.String("device_id", deviceID),
			)
			return nil
		}
		c.logger.Error("Failed to ingest MQTT log message",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to ingest logs: %w", err)
	}

	c.logger.Debug("Ingested MQTT log message",
		zap.String("device_id", deviceID),
		zap.Int("received", resp.Received),
		zap.Bool("hibernated", resp.Hibernated),
	)

	return nil
}

// logLinePayload 单条日志行的 JSON 形态
type logLinePayload struct {
	Level     string     `json:"level"`
	Message   string     `json:"message"`
	Timestamp *time.Time `json:"timestamp"`
}

// parseLogPayload 把消息体解析成日志行
//
// 支持三种形态: {"lines":[...]}、裸数组 [...]、以及按行分割的纯文本。
// JSON 解析失败时退回纯文本处理，日志摄入不因格式问题丢数据。
func parseLogPayload(payload []byte) []service.LogLine {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil
	}

	switch trimmed[0] {
	case '{':
		var envelope struct {
			Lines []logLinePayload `json:"lines"`
		}
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && len(envelope.Lines) > 0 {
			return toServiceLines(envelope.Lines)
		}
		// 单行对象形态 {"level":"info","message":"..."}
		var single logLinePayload
		if err := json.Unmarshal([]byte(trimmed), &single); err == nil && single.Message != "" {
			return toServiceLines([]logLinePayload{single})
		}
	case '[':
		var list []logLinePayload
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return toServiceLines(list)
		}
	}

	// 纯文本，按行切分
	var lines []service.LogLine
	for _, raw := range strings.Split(trimmed, "\n") {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		lines = append(lines, service.LogLine{Message: text})
	}
	return lines
}

func toServiceLines(in []logLinePayload) []service.LogLine {
	lines := make([]service.LogLine, 0, len(in))
	for _, l := range in {
		if l.Message == "" {
			continue
		}
		lines = append(lines, service.LogLine{
			Level:     l.Level,
			Message:   l.Message,
			Timestamp: l.Timestamp,
		})
	}
	return lines
}
