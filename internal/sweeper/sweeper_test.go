package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetd/internal/models"
	"fleetd/internal/repository"
)

// fakeNotifier 记录收到的掉线通知
type fakeNotifier struct {
	mu      sync.Mutex
	devices []string
}

func (f *fakeNotifier) NotifyOffline(_ context.Context, device models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, device.DeviceID)
	return nil
}

func (f *fakeNotifier) notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.devices))
	copy(out, f.devices)
	return out
}

func seedDevice(t *testing.T, repo *repository.MemoryDevicesRepo, deviceID string, lastSeen time.Time) {
	t.Helper()
	_, err := repo.Upsert(context.Background(), models.DeviceRegistration{
		DeviceID:        deviceID,
		DeviceType:      "sensor",
		CheckInInterval: 60,
	}, lastSeen)
	require.NoError(t, err)
}

func TestSweep_FlipsStaleOnlineDevice(t *testing.T) {
	repo := repository.NewMemoryDevicesRepo()
	notifier := &fakeNotifier{}
	s := NewSweeper(time.Minute, repo, notifier, zap.NewNop())

	now := time.Now().UTC()
	// interval 60s，判定窗口 150s，10 分钟未报到必然离线
	seedDevice(t, repo, "esp32-aa01", now.Add(-10*time.Minute))
	// 刚报到的设备连候选集都不该进
	seedDevice(t, repo, "esp32-bb02", now.Add(-10*time.Second))

	err := s.sweep(context.Background())
	require.NoError(t, err)

	stale, err := repo.Get(context.Background(), "esp32-aa01")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, stale.Status)

	fresh, err := repo.Get(context.Background(), "esp32-bb02")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, fresh.Status)

	// 通知在独立 goroutine 里发出
	assert.Eventually(t, func() bool {
		got := notifier.notified()
		return len(got) == 1 && got[0] == "esp32-aa01"
	}, time.Second, 10*time.Millisecond)
}

func TestSweep_HibernatingDeviceKeepsGrace(t *testing.T) {
	repo := repository.NewMemoryDevicesRepo()
	notifier := &fakeNotifier{}
	s := NewSweeper(time.Minute, repo, notifier, zap.NewNop())

	now := time.Now().UTC()

	// 休眠 30 分钟：仍在宽限期内
	seedDevice(t, repo, "esp32-cc03", now.Add(-30*time.Minute))
	require.NoError(t, repo.ForceHibernate(context.Background(), "esp32-cc03", now.Add(-30*time.Minute)))

	// 休眠 3 小时：宽限期已过
	seedDevice(t, repo, "esp32-dd04", now.Add(-3*time.Hour))
	require.NoError(t, repo.ForceHibernate(context.Background(), "esp32-dd04", now.Add(-3*time.Hour)))

	err := s.sweep(context.Background())
	require.NoError(t, err)

	inGrace, err := repo.Get(context.Background(), "esp32-cc03")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusHibernating, inGrace.Status)

	expired, err := repo.Get(context.Background(), "esp32-dd04")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, expired.Status)

	assert.Eventually(t, func() bool {
		got := notifier.notified()
		return len(got) == 1 && got[0] == "esp32-dd04"
	}, time.Second, 10*time.Millisecond)
}

func TestSweep_HeartbeatDuringSweepWins(t *testing.T) {
	repo := repository.NewMemoryDevicesRepo()
	_ = NewSweeper(time.Minute, repo, nil, zap.NewNop())

	now := time.Now().UTC()
	seedDevice(t, repo, "esp32-ee05", now.Add(-10*time.Minute))

	// 模拟扫描读到候选后、写回前落地的心跳：last_seen 已前移
	require.NoError(t, repo.MarkContact(context.Background(), "esp32-ee05", now))

	candidates := []models.Device{{
		DeviceID:        "esp32-ee05",
		Status:          models.DeviceStatusOnline,
		CheckInInterval: 60,
		LastSeen:        timePtr(now.Add(-10 * time.Minute)),
	}}
	for _, d := range candidates {
		ok, err := repo.CompareAndSetStatus(context.Background(), d.DeviceID, d.Status, models.DeviceStatusOffline, *d.LastSeen)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	device, err := repo.Get(context.Background(), "esp32-ee05")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, device.Status)
}

func TestSweep_NoNotifierConfigured(t *testing.T) {
	repo := repository.NewMemoryDevicesRepo()
	s := NewSweeper(time.Minute, repo, nil, zap.NewNop())

	now := time.Now().UTC()
	seedDevice(t, repo, "esp32-ff06", now.Add(-20*time.Minute))

	require.NoError(t, s.sweep(context.Background()))

	device, err := repo.Get(context.Background(), "esp32-ff06")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, device.Status)
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	repo := repository.NewMemoryDevicesRepo()
	s := NewSweeper(10*time.Millisecond, repo, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancel")
	}
}

// 辅助函数

func timePtr(ts time.Time) *time.Time {
	return &ts
}
