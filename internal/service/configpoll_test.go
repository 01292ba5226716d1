package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetd/internal/models"
	"fleetd/internal/repository"
)

type configFixture struct {
	svc          ConfigService
	devicesRepo  *repository.MemoryDevicesRepo
	scriptsRepo  *repository.MemoryScriptsRepo
	commandsRepo *repository.MemoryCommandsRepo
}

func setupConfigService(t *testing.T) *configFixture {
	t.Helper()
	f := &configFixture{
		devicesRepo:  repository.NewMemoryDevicesRepo(),
		scriptsRepo:  repository.NewMemoryScriptsRepo(),
		commandsRepo: repository.NewMemoryCommandsRepo(),
	}
	f.svc = NewConfigService(f.devicesRepo, f.scriptsRepo, f.commandsRepo, zap.NewNop())
	return f
}

func (f *configFixture) register(t *testing.T, deviceID string) {
	t.Helper()
	_, err := f.devicesRepo.Upsert(context.Background(), models.DeviceRegistration{
		DeviceID:        deviceID,
		CheckInInterval: 45,
	}, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
}

func (f *configFixture) assign(t *testing.T, deviceID, scriptID, version, content string) {
	t.Helper()
	require.NoError(t, f.scriptsRepo.Assign(context.Background(), &models.ScriptAssignment{
		AssignmentID:  uuid.New().String(),
		DeviceID:      deviceID,
		ScriptID:      scriptID,
		ScriptVersion: version,
		ScriptType:    models.DefaultScriptType,
		Content:       content,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}))
}

func TestGetConfig_UnregisteredDevice(t *testing.T) {
	f := setupConfigService(t)

	_, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-ghost"})
	assert.ErrorIs(t, err, models.ErrNotRegistered)
}

func TestGetConfig_NoAssignment(t *testing.T) {
	f := setupConfigService(t)
	f.register(t, "esp32-aa01")

	resp, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-aa01"})
	require.NoError(t, err)

	assert.False(t, resp.Available)
	assert.False(t, resp.Changed)
	assert.Empty(t, resp.Hash)
	assert.Nil(t, resp.Assignment)
	assert.Equal(t, 45, resp.CheckInInterval)
}

func TestGetConfig_ChangeReportedExactlyOnce(t *testing.T) {
	f := setupConfigService(t)
	f.register(t, "esp32-bb02")
	f.assign(t, "esp32-bb02", "irrigation", "1.0.0", "print('v1')")

	// 首次轮询：配置可用且报告变更
	first, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-bb02"})
	require.NoError(t, err)
	assert.True(t, first.Available)
	assert.True(t, first.Changed)
	assert.NotEmpty(t, first.Hash)
	require.NotNil(t, first.Assignment)
	assert.Equal(t, "print('v1')", first.Assignment.Content)

	// 第二次轮询：内容未变，不再报告变更
	second, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-bb02"})
	require.NoError(t, err)
	assert.True(t, second.Available)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Hash, second.Hash)

	// 重新分配新版本后再次报告变更，且哈希不同
	f.assign(t, "esp32-bb02", "irrigation", "1.1.0", "print('v2')")
	third, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-bb02"})
	require.NoError(t, err)
	assert.True(t, third.Changed)
	assert.NotEqual(t, first.Hash, third.Hash)
}

func TestGetConfig_HashCoversIdentityVersionAndContent(t *testing.T) {
	f := setupConfigService(t)
	f.register(t, "esp32-cc03")

	// 内容相同但 script_id 不同，哈希必须不同
	f.assign(t, "esp32-cc03", "script-a", "1.0.0", "print('x')")
	a, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-cc03"})
	require.NoError(t, err)

	f.assign(t, "esp32-cc03", "script-b", "1.0.0", "print('x')")
	b, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-cc03"})
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
	assert.True(t, b.Changed)
}

func TestGetConfig_CommandsAttachedRegardlessOfConfig(t *testing.T) {
	f := setupConfigService(t)
	f.register(t, "esp32-dd04")

	now := time.Now().UTC()
	require.NoError(t, f.commandsRepo.Enqueue(context.Background(), &models.Command{
		CommandID:   uuid.New().String(),
		DeviceID:    "esp32-dd04",
		CommandType: "relay_set",
		Priority:    100,
		MaxAttempts: 3,
		CreatedAt:   now,
	}))
	require.NoError(t, f.commandsRepo.Enqueue(context.Background(), &models.Command{
		CommandID:   uuid.New().String(),
		DeviceID:    "esp32-dd04",
		CommandType: "reboot",
		Priority:    1,
		MaxAttempts: 1,
		CreatedAt:   now.Add(time.Second),
	}))

	// 无配置也要下发指令，优先级小的在前
	resp, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-dd04"})
	require.NoError(t, err)
	assert.False(t, resp.Available)
	require.Len(t, resp.Commands, 2)
	assert.Equal(t, "reboot", resp.Commands[0].CommandType)
	assert.Equal(t, "relay_set", resp.Commands[1].CommandType)

	// 下发即标记，再次轮询不重复
	again, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-dd04"})
	require.NoError(t, err)
	assert.Empty(t, again.Commands)
}

func TestGetConfig_PollRefreshesContact(t *testing.T) {
	f := setupConfigService(t)
	f.register(t, "esp32-ee05")

	before, err := f.devicesRepo.Get(context.Background(), "esp32-ee05")
	require.NoError(t, err)
	require.NotNil(t, before.LastSeen)

	_, err = f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-ee05"})
	require.NoError(t, err)

	after, err := f.devicesRepo.Get(context.Background(), "esp32-ee05")
	require.NoError(t, err)
	require.NotNil(t, after.LastSeen)
	assert.True(t, after.LastSeen.After(*before.LastSeen))
}

func TestGetConfig_RetiredDeviceTreatedAsUnregistered(t *testing.T) {
	f := setupConfigService(t)
	f.register(t, "esp32-ff06")
	require.NoError(t, f.devicesRepo.Retire(context.Background(), "esp32-ff06", time.Now().UTC()))

	_, err := f.svc.GetConfig(context.Background(), GetConfigRequest{DeviceID: "esp32-ff06"})
	assert.ErrorIs(t, err, models.ErrNotRegistered)
}
