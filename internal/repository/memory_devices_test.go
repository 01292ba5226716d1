package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/models"
)

func TestMemoryDevices_UpsertPreservesUndeclaredFields(t *testing.T) {
	repo := NewMemoryDevicesRepo()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := repo.Upsert(ctx, models.DeviceRegistration{
		DeviceID:        "esp32-fe01",
		DisplayName:     "Greenhouse North",
		DeviceType:      "sensor",
		FirmwareVersion: "1.4.2",
		Capabilities:    []string{"temperature", "relay"},
		CheckInInterval: 30,
	}, base)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, first.Status)
	assert.Equal(t, 30, first.CheckInInterval)

	// 重复注册只带 device_id 与固件号：其余声明字段保留原值
	second, err := repo.Upsert(ctx, models.DeviceRegistration{
		DeviceID:        "esp32-fe01",
		FirmwareVersion: "1.5.0",
	}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "Greenhouse North", second.DisplayName)
	assert.Equal(t, "sensor", second.DeviceType)
	assert.Equal(t, "1.5.0", second.FirmwareVersion)
	assert.Equal(t, []string{"temperature", "relay"}, second.Capabilities)
	assert.Equal(t, 60, second.CheckInInterval)
	require.NotNil(t, second.LastSeen)
	assert.True(t, second.LastSeen.Equal(base.Add(time.Hour)))
}

func TestMemoryDevices_UpsertResurrectsRetired(t *testing.T) {
	repo := NewMemoryDevicesRepo()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Upsert(ctx, models.DeviceRegistration{DeviceID: "esp32-fe01"}, base)
	require.NoError(t, err)
	require.NoError(t, repo.Retire(ctx, "esp32-fe01", base.Add(time.Minute)))

	// 软删除后列表不可见
	devices, total, err := repo.List(ctx, DeviceFilters{})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Len(t, devices, 0)

	// 再次注册复活同一条记录
	d, err := repo.Upsert(ctx, models.DeviceRegistration{DeviceID: "esp32-fe01"}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, d.RetiredAt)
	assert.Equal(t, models.DeviceStatusOnline, d.Status)

	_, total, err = repo.List(ctx, DeviceFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestMemoryDevices_BatteryHeartbeatSuppressedAfterLogWrite(t *testing.T) {
	repo := NewMemoryDevicesRepo()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Upsert(ctx, models.DeviceRegistration{DeviceID: "esp32-fe01"}, base)
	require.NoError(t, err)

	logAt := base.Add(time.Minute)
	applied, err := repo.UpdateBattery(ctx, "esp32-fe01", models.BatteryState{
		Percent:   floatPtr(62.0),
		Voltage:   floatPtr(3.86),
		Source:    models.BatterySourceLog,
		UpdatedAt: &logAt,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// 窗口内（90 秒后）的心跳读数被压制
	hbAt := logAt.Add(90 * time.Second)
	applied, err = repo.UpdateBattery(ctx, "esp32-fe01", models.BatteryState{
		Percent:   floatPtr(70.0),
		Source:    models.BatterySourceHeartbeat,
		UpdatedAt: &hbAt,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	d, err := repo.Get(ctx, "esp32-fe01")
	require.NoError(t, err)
	require.NotNil(t, d.BatteryPercent)
	assert.Equal(t, 62.0, *d.BatteryPercent)
	assert.Equal(t, models.BatterySourceLog, d.BatterySource)

	// 窗口外（130 秒后）的心跳读数正常生效
	hbAt2 := logAt.Add(130 * time.Second)
	applied, err = repo.UpdateBattery(ctx, "esp32-fe01", models.BatteryState{
		Percent:   floatPtr(70.0),
		Source:    models.BatterySourceHeartbeat,
		UpdatedAt: &hbAt2,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	d, err = repo.Get(ctx, "esp32-fe01")
	require.NoError(t, err)
	assert.Equal(t, 70.0, *d.BatteryPercent)
	assert.Equal(t, models.BatterySourceHeartbeat, d.BatterySource)
}

func TestMemoryDevices_CompareAndSetStatusHeartbeatWins(t *testing.T) {
	repo := NewMemoryDevicesRepo()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Upsert(ctx, models.DeviceRegistration{DeviceID: "esp32-fe01"}, base)
	require.NoError(t, err)

	d, err := repo.Get(ctx, "esp32-fe01")
	require.NoError(t, err)
	staleSeen := *d.LastSeen

	// 扫描读取快照后设备又发了心跳
	require.NoError(t, repo.MarkContact(ctx, "esp32-fe01", base.Add(5*time.Minute)))

	flipped, err := repo.CompareAndSetStatus(ctx, "esp32-fe01",
		models.DeviceStatusOnline, models.DeviceStatusOffline, staleSeen)
	require.NoError(t, err)
	assert.False(t, flipped)

	d, err = repo.Get(ctx, "esp32-fe01")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, d.Status)

	// 无并发写入时翻转正常生效
	flipped, err = repo.CompareAndSetStatus(ctx, "esp32-fe01",
		models.DeviceStatusOnline, models.DeviceStatusOffline, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, flipped)
}

func TestMemoryDevices_ListFiltersAndPaging(t *testing.T) {
	repo := NewMemoryDevicesRepo()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, reg := range []models.DeviceRegistration{
		{DeviceID: "esp32-aa01", DisplayName: "Greenhouse North", DeviceType: "sensor"},
		{DeviceID: "esp32-bb02", DisplayName: "Pump House", DeviceType: "actuator"},
		{DeviceID: "esp32-cc03", DisplayName: "Greenhouse South", DeviceType: "sensor"},
	} {
		_, err := repo.Upsert(ctx, reg, base)
		require.NoError(t, err)
	}

	devices, total, err := repo.List(ctx, DeviceFilters{DeviceType: "sensor"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, devices, 2)

	devices, total, err = repo.List(ctx, DeviceFilters{Keyword: "greenhouse"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	devices, total, err = repo.List(ctx, DeviceFilters{Page: 2, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, devices, 1)
	assert.Equal(t, "esp32-cc03", devices[0].DeviceID)
}

func TestMemoryDevices_SweepCandidates(t *testing.T) {
	repo := NewMemoryDevicesRepo()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Upsert(ctx, models.DeviceRegistration{DeviceID: "esp32-stale"}, base.Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, models.DeviceRegistration{DeviceID: "esp32-fresh"}, base)
	require.NoError(t, err)

	candidates, err := repo.ListSweepCandidates(ctx, base.Add(-90*time.Second))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "esp32-stale", candidates[0].DeviceID)
}
