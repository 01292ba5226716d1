package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetd/internal/models"
)

func setupCommandsMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresCommandsRepo) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresCommandsRepo(db, zap.NewNop())
	return db, mock, repo
}

var commandTestColumns = []string{
	"command_id", "device_id", "command_type", "payload", "priority", "status",
	"attempts", "max_attempts", "result", "created_at", "expires_at", "executed_at",
}

func TestCommandsEnqueue(t *testing.T) {
	db, mock, repo := setupCommandsMock(t)
	defer db.Close()

	createdAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cmd := &models.Command{
		CommandID:   "11111111-2222-3333-4444-555555555555",
		DeviceID:    "esp32-fe01",
		CommandType: "set_relay",
		Payload:     map[string]any{"state": "on"},
		Priority:    100,
		Status:      models.CommandStatusPending,
		MaxAttempts: 3,
		CreatedAt:   createdAt,
	}

	mock.ExpectExec(`INSERT INTO commands`).
		WithArgs(
			cmd.CommandID, cmd.DeviceID, cmd.CommandType, []byte(`{"state":"on"}`),
			100, "pending", 0, 3, createdAt, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Execute test
	err := repo.Enqueue(context.Background(), cmd)

	// Verify results
	require.NoError(t, err)

	// Verify all expectations were met
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandsDequeueDueBatch_OrderedAndMarked(t *testing.T) {
	db, mock, repo := setupCommandsMock(t)
	defer db.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	early := now.Add(-2 * time.Minute)
	late := now.Add(-1 * time.Minute)

	// RETURNING 不保证顺序，这里故意乱序返回，验证仓库侧重排
	rows := sqlmock.NewRows(commandTestColumns).
		AddRow("cmd-b", "esp32-fe01", "reboot", []byte(`{}`), 100, "delivered", 1, 3, "", early, nil, nil).
		AddRow("cmd-c", "esp32-fe01", "set_relay", []byte(`{}`), 100, "delivered", 1, 3, "", late, nil, nil).
		AddRow("cmd-a", "esp32-fe01", "actuate", []byte(`{"state":"on"}`), 1, "delivered", 1, 1, "", late, nil, nil)

	mock.ExpectQuery(`UPDATE commands`).
		WithArgs("esp32-fe01", 10, now).
		WillReturnRows(rows)

	// Execute test
	batch, err := repo.DequeueDueBatch(context.Background(), "esp32-fe01", 10, now)

	// Verify results: 优先级小者在前，同优先级按创建时间
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "cmd-a", batch[0].CommandID)
	assert.Equal(t, "cmd-b", batch[1].CommandID)
	assert.Equal(t, "cmd-c", batch[2].CommandID)
	for _, c := range batch {
		assert.Equal(t, models.CommandStatusDelivered, c.Status)
		assert.Equal(t, 1, c.Attempts)
	}
	assert.Equal(t, "on", batch[0].Payload["state"])

	// Verify all expectations were met
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandsDequeueDueBatch_Empty(t *testing.T) {
	db, mock, repo := setupCommandsMock(t)
	defer db.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE commands`).
		WithArgs("esp32-fe01", 10, now).
		WillReturnRows(sqlmock.NewRows(commandTestColumns))

	// Execute test
	batch, err := repo.DequeueDueBatch(context.Background(), "esp32-fe01", 0, now)

	// Verify results
	require.NoError(t, err)
	assert.Len(t, batch, 0)

	// Verify all expectations were met
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandsAcknowledge_DuplicateIsNoOp(t *testing.T) {
	db, mock, repo := setupCommandsMock(t)
	defer db.Close()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 指令已在终态，重复回执影响 0 行，按成功处理
	mock.ExpectExec(`UPDATE commands`).
		WithArgs("cmd-a", "esp32-fe01", "completed", "relay switched", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Execute test
	err := repo.Acknowledge(context.Background(), "esp32-fe01", "cmd-a",
		models.CommandStatusCompleted, "relay switched", at)

	// Verify results
	require.NoError(t, err)

	// Verify all expectations were met
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandsCountPending(t *testing.T) {
	db, mock, repo := setupCommandsMock(t)
	defer db.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("esp32-fe01", now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	// Execute test
	n, err := repo.CountPending(context.Background(), "esp32-fe01", now)

	// Verify results
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// Verify all expectations were met
	assert.NoError(t, mock.ExpectationsWereMet())
}
