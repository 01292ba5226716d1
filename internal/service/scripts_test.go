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

type scriptFixture struct {
	svc         ScriptService
	devicesRepo *repository.MemoryDevicesRepo
	scriptsRepo *repository.MemoryScriptsRepo
}

func setupScriptService(t *testing.T) *scriptFixture {
	t.Helper()
	f := &scriptFixture{
		devicesRepo: repository.NewMemoryDevicesRepo(),
		scriptsRepo: repository.NewMemoryScriptsRepo(),
	}
	f.svc = NewScriptService(f.devicesRepo, f.scriptsRepo, zap.NewNop())

	_, err := f.devicesRepo.Upsert(context.Background(), models.DeviceRegistration{
		DeviceID: "esp32-aa01",
	}, time.Now().UTC())
	require.NoError(t, err)
	return f
}

func TestAssignScript_ReplacesActiveAssignment(t *testing.T) {
	f := setupScriptService(t)

	first, err := f.svc.AssignScript(context.Background(), AssignScriptRequest{
		DeviceID:      "esp32-aa01",
		ScriptID:      "irrigation",
		ScriptVersion: "1.0.0",
		Content:       "print('v1')",
	})
	require.NoError(t, err)
	assert.True(t, first.Assignment.Active)
	assert.Equal(t, models.DefaultScriptType, first.Assignment.ScriptType)

	second, err := f.svc.AssignScript(context.Background(), AssignScriptRequest{
		DeviceID:      "esp32-aa01",
		ScriptID:      "irrigation",
		ScriptVersion: "1.1.0",
		Content:       "print('v2')",
	})
	require.NoError(t, err)

	// 只有最新分配保持激活
	active, err := f.scriptsRepo.GetActive(context.Background(), "esp32-aa01")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.Assignment.AssignmentID, active.AssignmentID)

	history, err := f.scriptsRepo.ListByDevice(context.Background(), "esp32-aa01", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestAssignScript_Validation(t *testing.T) {
	f := setupScriptService(t)

	var verr *models.ValidationError
	_, err := f.svc.AssignScript(context.Background(), AssignScriptRequest{
		DeviceID: "esp32-aa01",
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "script_id", verr.Field)

	_, err = f.svc.AssignScript(context.Background(), AssignScriptRequest{
		DeviceID:      "esp32-aa01",
		ScriptID:      "irrigation",
		ScriptVersion: "1.0.0",
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)
}

func TestAssignScript_UnknownDevice(t *testing.T) {
	f := setupScriptService(t)

	_, err := f.svc.AssignScript(context.Background(), AssignScriptRequest{
		DeviceID:      "esp32-ghost",
		ScriptID:      "irrigation",
		ScriptVersion: "1.0.0",
		Content:       "print('hi')",
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestScriptStatus_DriftLifecycle(t *testing.T) {
	f := setupScriptService(t)

	// 无分配：unknown
	status, err := f.svc.GetScriptStatus(context.Background(), GetScriptStatusRequest{DeviceID: "esp32-aa01"})
	require.NoError(t, err)
	assert.Equal(t, models.DriftUnknown, status.Drift)
	assert.Nil(t, status.Assignment)

	// 分配后设备尚未上报：pending
	_, err = f.svc.AssignScript(context.Background(), AssignScriptRequest{
		DeviceID:      "esp32-aa01",
		ScriptID:      "irrigation",
		ScriptVersion: "1.0.0",
		Content:       "print('v1')",
	})
	require.NoError(t, err)

	status, err = f.svc.GetScriptStatus(context.Background(), GetScriptStatusRequest{DeviceID: "esp32-aa01"})
	require.NoError(t, err)
	assert.Equal(t, models.DriftPending, status.Drift)

	// 设备上报匹配版本：running
	report, err := f.svc.ReportRunningScript(context.Background(), ReportRunningScriptRequest{
		DeviceID:      "esp32-aa01",
		ScriptID:      "irrigation",
		ScriptVersion: "1.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DriftRunning, report.Drift)

	// 分配新版本而设备还在跑旧版：outdated
	_, err = f.svc.AssignScript(context.Background(), AssignScriptRequest{
		DeviceID:      "esp32-aa01",
		ScriptID:      "irrigation",
		ScriptVersion: "2.0.0",
		Content:       "print('v2')",
	})
	require.NoError(t, err)

	status, err = f.svc.GetScriptStatus(context.Background(), GetScriptStatusRequest{DeviceID: "esp32-aa01"})
	require.NoError(t, err)
	assert.Equal(t, models.DriftOutdated, status.Drift)
	assert.Equal(t, "1.0.0", status.ReportedVersion)
}

func TestReportRunningScript_RefreshesContact(t *testing.T) {
	f := setupScriptService(t)

	before, err := f.devicesRepo.Get(context.Background(), "esp32-aa01")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = f.svc.ReportRunningScript(context.Background(), ReportRunningScriptRequest{
		DeviceID:      "esp32-aa01",
		ScriptVersion: "1.0.0",
	})
	require.NoError(t, err)

	after, err := f.devicesRepo.Get(context.Background(), "esp32-aa01")
	require.NoError(t, err)
	assert.True(t, after.LastSeen.After(*before.LastSeen))
}

func TestReportRunningScript_UnregisteredDevice(t *testing.T) {
	f := setupScriptService(t)

	_, err := f.svc.ReportRunningScript(context.Background(), ReportRunningScriptRequest{
		DeviceID:      "esp32-ghost",
		ScriptVersion: "1.0.0",
	})
	assert.ErrorIs(t, err, models.ErrNotRegistered)
}
