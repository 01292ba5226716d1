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

type commandFixture struct {
	svc          CommandService
	devicesRepo  *repository.MemoryDevicesRepo
	commandsRepo *repository.MemoryCommandsRepo
}

func setupCommandService(t *testing.T) *commandFixture {
	t.Helper()
	f := &commandFixture{
		devicesRepo:  repository.NewMemoryDevicesRepo(),
		commandsRepo: repository.NewMemoryCommandsRepo(),
	}
	f.svc = NewCommandService(f.devicesRepo, f.commandsRepo, zap.NewNop())

	_, err := f.devicesRepo.Upsert(context.Background(), models.DeviceRegistration{
		DeviceID: "esp32-aa01",
	}, time.Now().UTC())
	require.NoError(t, err)
	return f
}

func TestEnqueueCommand_Defaults(t *testing.T) {
	f := setupCommandService(t)

	resp, err := f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "relay_set",
		Payload:     map[string]any{"state": "on"},
	})
	require.NoError(t, err)

	cmd := resp.Command
	assert.Equal(t, models.DefaultCommandPriority, cmd.Priority)
	assert.Equal(t, models.DefaultCommandMaxAttempts, cmd.MaxAttempts)
	assert.Equal(t, models.CommandStatusPending, cmd.Status)
	assert.Nil(t, cmd.ExpiresAt)
	_, err = uuid.Parse(cmd.CommandID)
	assert.NoError(t, err)
}

func TestEnqueueCommand_ExplicitFieldsAndExpiry(t *testing.T) {
	f := setupCommandService(t)

	priority := 5
	maxAttempts := 1
	expiresAt := time.Now().UTC().Add(5 * time.Minute)
	resp, err := f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "ota_update",
		Priority:    &priority,
		MaxAttempts: &maxAttempts,
		ExpiresAt:   &expiresAt,
	})
	require.NoError(t, err)

	cmd := resp.Command
	assert.Equal(t, 5, cmd.Priority)
	assert.Equal(t, 1, cmd.MaxAttempts)
	require.NotNil(t, cmd.ExpiresAt)
	assert.True(t, cmd.ExpiresAt.Equal(expiresAt))
}

func TestEnqueueCommand_Validation(t *testing.T) {
	f := setupCommandService(t)

	_, err := f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID: "esp32-aa01",
	})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "command_type", verr.Field)

	bad := 0
	_, err = f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "reboot",
		MaxAttempts: &bad,
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "max_attempts", verr.Field)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "reboot",
		ExpiresAt:   &past,
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expires_at", verr.Field)
}

func TestEnqueueCommand_UnknownDevice(t *testing.T) {
	f := setupCommandService(t)

	_, err := f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-ghost",
		CommandType: "reboot",
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEnqueueCommand_RetiredDevice(t *testing.T) {
	f := setupCommandService(t)
	require.NoError(t, f.devicesRepo.Retire(context.Background(), "esp32-aa01", time.Now().UTC()))

	_, err := f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "reboot",
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestActuate_HighPriorityShortLived(t *testing.T) {
	f := setupCommandService(t)

	resp, err := f.svc.Actuate(context.Background(), ActuateRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "relay_set",
		Payload:     map[string]any{"state": "off"},
	})
	require.NoError(t, err)

	cmd := resp.Command
	assert.Equal(t, models.ActuationPriority, cmd.Priority)
	assert.Equal(t, models.ActuationMaxAttempts, cmd.MaxAttempts)
	require.NotNil(t, cmd.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(models.ActuationTTL), *cmd.ExpiresAt, 5*time.Second)

	// 直接执行指令排在先前入队的普通指令前面
	_, err = f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "ota_update",
	})
	require.NoError(t, err)

	batch, err := f.commandsRepo.DequeueDueBatch(context.Background(), "esp32-aa01", 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "relay_set", batch[0].CommandType)
}

func TestListCommands_StatusFilter(t *testing.T) {
	f := setupCommandService(t)

	_, err := f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "relay_set",
	})
	require.NoError(t, err)
	_, err = f.svc.EnqueueCommand(context.Background(), EnqueueCommandRequest{
		DeviceID:    "esp32-aa01",
		CommandType: "reboot",
	})
	require.NoError(t, err)

	// 把其中一条标记为已下发
	batch, err := f.commandsRepo.DequeueDueBatch(context.Background(), "esp32-aa01", 1, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 1)

	all, err := f.svc.ListCommands(context.Background(), ListCommandsRequest{DeviceID: "esp32-aa01"})
	require.NoError(t, err)
	assert.Len(t, all.Items, 2)

	pending, err := f.svc.ListCommands(context.Background(), ListCommandsRequest{
		DeviceID: "esp32-aa01",
		Statuses: []string{"pending"},
	})
	require.NoError(t, err)
	require.Len(t, pending.Items, 1)
	assert.Equal(t, models.CommandStatusPending, pending.Items[0].Status)
}
