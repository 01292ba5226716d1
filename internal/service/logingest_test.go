package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetd/internal/models"
	"fleetd/internal/repository"
)

type logIngestFixture struct {
	svc           LogIngestService
	devicesRepo   *repository.MemoryDevicesRepo
	telemetryRepo *repository.MemoryTelemetryRepo
}

func setupLogIngestService(t *testing.T) *logIngestFixture {
	t.Helper()
	f := &logIngestFixture{
		devicesRepo:   repository.NewMemoryDevicesRepo(),
		telemetryRepo: repository.NewMemoryTelemetryRepo(),
	}
	f.svc = NewLogIngestService(f.devicesRepo, f.telemetryRepo, zap.NewNop())

	_, err := f.devicesRepo.Upsert(context.Background(), models.DeviceRegistration{
		DeviceID:        "esp32-aa01",
		CheckInInterval: 60,
	}, time.Now().UTC())
	require.NoError(t, err)
	return f
}

func TestIngestLogs_Validation(t *testing.T) {
	f := setupLogIngestService(t)

	var verr *models.ValidationError
	_, err := f.svc.Ingest(context.Background(), IngestLogsRequest{DeviceID: "esp32-aa01"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "lines", verr.Field)

	_, err = f.svc.Ingest(context.Background(), IngestLogsRequest{
		Lines: []LogLine{{Message: "boot"}},
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "device_id", verr.Field)
}

func TestIngestLogs_UnregisteredDevice(t *testing.T) {
	f := setupLogIngestService(t)

	_, err := f.svc.Ingest(context.Background(), IngestLogsRequest{
		DeviceID: "esp32-ghost",
		Lines:    []LogLine{{Message: "boot"}},
	})
	assert.ErrorIs(t, err, models.ErrNotRegistered)
}

func TestIngestLogs_PersistsLinesWithDefaults(t *testing.T) {
	f := setupLogIngestService(t)

	ts := time.Date(2026, 5, 2, 7, 0, 0, 0, time.UTC)
	resp, err := f.svc.Ingest(context.Background(), IngestLogsRequest{
		DeviceID: "esp32-aa01",
		Lines: []LogLine{
			{Message: "boot complete", Timestamp: &ts},
			{Level: "error", Message: "sensor read failed"},
			{Message: ""},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Received)
	assert.False(t, resp.Hibernated)

	logs, err := f.telemetryRepo.ListRecentLogs(context.Background(), "esp32-aa01", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	// 按 logged_at 倒序：缺省时间戳的行取服务端时间，排在前面
	assert.Equal(t, "sensor read failed", logs[0].Message)
	assert.Equal(t, "error", logs[0].Level)
	assert.Equal(t, "boot complete", logs[1].Message)
	assert.Equal(t, "info", logs[1].Level)
	assert.True(t, logs[1].LoggedAt.Equal(ts))
}

func TestIngestLogs_HibernationMarker(t *testing.T) {
	f := setupLogIngestService(t)

	ts := time.Now().UTC().Add(-30 * time.Second)
	resp, err := f.svc.Ingest(context.Background(), IngestLogsRequest{
		DeviceID: "esp32-aa01",
		Lines: []LogLine{
			{Message: "watering cycle done"},
			{Message: "Entering deep sleep for 6h", Timestamp: &ts},
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Hibernated)

	device, err := f.devicesRepo.Get(context.Background(), "esp32-aa01")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusHibernating, device.Status)
	// last_seen 刷到休眠信号的时间戳
	require.NotNil(t, device.LastSeen)
	assert.True(t, device.LastSeen.Equal(ts))
}

func TestIngestLogs_BatterySmoothedAcrossBatch(t *testing.T) {
	f := setupLogIngestService(t)

	_, err := f.svc.Ingest(context.Background(), IngestLogsRequest{
		DeviceID: "esp32-aa01",
		Lines: []LogLine{
			{Message: "battery reading 3.8V"},
			{Message: "battery reading 4.0V"},
		},
	})
	require.NoError(t, err)

	device, err := f.devicesRepo.Get(context.Background(), "esp32-aa01")
	require.NoError(t, err)

	// 第二行在第一行的结果上平滑：0.7*3.8 + 0.3*4.0 = 3.86
	require.NotNil(t, device.BatteryVoltage)
	assert.InDelta(t, 3.86, *device.BatteryVoltage, 0.001)
	// 无显式百分比时按电压换算：(3.86-3.3)/0.9*100 = 62.2
	require.NotNil(t, device.BatteryPercent)
	assert.InDelta(t, 62.2, *device.BatteryPercent, 0.01)
	assert.Equal(t, models.BatterySourceLog, device.BatterySource)
}

func TestIngestLogs_ExplicitPercentWins(t *testing.T) {
	f := setupLogIngestService(t)

	_, err := f.svc.Ingest(context.Background(), IngestLogsRequest{
		DeviceID: "esp32-aa01",
		Lines:    []LogLine{{Message: "battery at 47% (3.7V)"}},
	})
	require.NoError(t, err)

	device, err := f.devicesRepo.Get(context.Background(), "esp32-aa01")
	require.NoError(t, err)
	require.NotNil(t, device.BatteryPercent)
	assert.InDelta(t, 47.0, *device.BatteryPercent, 0.01)
	require.NotNil(t, device.BatteryVoltage)
	assert.InDelta(t, 3.7, *device.BatteryVoltage, 0.01)
}
