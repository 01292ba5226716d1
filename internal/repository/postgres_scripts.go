package repository

import (
	"context"
	"database/sql"
	"errors"

	"fleetd/internal/models"

	"go.uber.org/zap"
)

// PostgresScriptsRepo 脚本分配的 Postgres 实现
type PostgresScriptsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresScriptsRepo(db *sql.DB, logger *zap.Logger) *PostgresScriptsRepo {
	return &PostgresScriptsRepo{db: db, logger: logger}
}

const assignmentColumns = `
	assignment_id::text, device_id, script_id, script_name, script_version,
	script_type, content, active, created_at, deactivated_at`

func scanAssignment(s rowScanner) (*models.ScriptAssignment, error) {
	var (
		a             models.ScriptAssignment
		deactivatedAt sql.NullTime
	)
	if err := s.Scan(
		&a.AssignmentID, &a.DeviceID, &a.ScriptID, &a.ScriptName, &a.ScriptVersion,
		&a.ScriptType, &a.Content, &a.Active, &a.CreatedAt, &deactivatedAt,
	); err != nil {
		return nil, err
	}
	if deactivatedAt.Valid {
		a.DeactivatedAt = &deactivatedAt.Time
	}
	return &a, nil
}

func (r *PostgresScriptsRepo) GetActive(ctx context.Context, deviceID string) (*models.ScriptAssignment, error) {
	q := `SELECT ` + assignmentColumns + ` FROM script_assignments
		WHERE device_id = $1 AND active`
	a, err := scanAssignment(r.db.QueryRowContext(ctx, q, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// Assign 顶替式分配：同一事务内将旧的 active 记录置为 inactive 并插入新记录。
// 两行都属于同一台设备，正确性仍以单设备为界。
func (r *PostgresScriptsRepo) Assign(ctx context.Context, a *models.ScriptAssignment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		UPDATE script_assignments SET
			active         = FALSE,
			deactivated_at = $2
		WHERE device_id = $1 AND active`,
		a.DeviceID, a.CreatedAt,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO script_assignments (
			assignment_id, device_id, script_id, script_name, script_version,
			script_type, content, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)`,
		a.AssignmentID, a.DeviceID, a.ScriptID, a.ScriptName, a.ScriptVersion,
		a.ScriptType, a.Content, a.CreatedAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresScriptsRepo) ListByDevice(ctx context.Context, deviceID string, limit int) ([]models.ScriptAssignment, error) {
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT ` + assignmentColumns + ` FROM script_assignments
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ScriptAssignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
