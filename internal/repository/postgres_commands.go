package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"fleetd/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresCommandsRepo 指令队列的 Postgres 实现
type PostgresCommandsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresCommandsRepo(db *sql.DB, logger *zap.Logger) *PostgresCommandsRepo {
	return &PostgresCommandsRepo{db: db, logger: logger}
}

const commandColumns = `
	command_id::text, device_id, command_type, payload, priority, status,
	attempts, max_attempts, result, created_at, expires_at, executed_at`

func scanCommand(s rowScanner) (*models.Command, error) {
	var (
		c          models.Command
		payload    []byte
		expiresAt  sql.NullTime
		executedAt sql.NullTime
	)
	if err := s.Scan(
		&c.CommandID, &c.DeviceID, &c.CommandType, &payload, &c.Priority, &c.Status,
		&c.Attempts, &c.MaxAttempts, &c.Result, &c.CreatedAt, &expiresAt, &executedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c.Payload); err != nil {
			return nil, fmt.Errorf("decode command payload: %w", err)
		}
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	if executedAt.Valid {
		c.ExecutedAt = &executedAt.Time
	}
	return &c, nil
}

func (r *PostgresCommandsRepo) Enqueue(ctx context.Context, cmd *models.Command) error {
	payload := []byte(`{}`)
	if cmd.Payload != nil {
		var err error
		payload, err = json.Marshal(cmd.Payload)
		if err != nil {
			return fmt.Errorf("encode command payload: %w", err)
		}
	}

	q := `
		INSERT INTO commands (
			command_id, device_id, command_type, payload, priority,
			status, attempts, max_attempts, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.ExecContext(ctx, q,
		cmd.CommandID, cmd.DeviceID, cmd.CommandType, payload, cmd.Priority,
		string(cmd.Status), cmd.Attempts, cmd.MaxAttempts, cmd.CreatedAt, cmd.ExpiresAt)
	return err
}

// DequeueDueBatch 单语句选中并标记投递：pending 且未过期，(priority, created_at)
// 升序取前 limit 条，置 delivered 并 attempts+1。SKIP LOCKED 让并发轮询互不阻塞；
// RETURNING 不保证顺序，取回后按投递顺序重排。
func (r *PostgresCommandsRepo) DequeueDueBatch(ctx context.Context, deviceID string, limit int, now time.Time) ([]models.Command, error) {
	if limit <= 0 {
		limit = 10
	}

	q := `
		UPDATE commands SET
			status   = 'delivered',
			attempts = attempts + 1
		WHERE command_id IN (
			SELECT command_id FROM commands
			WHERE device_id = $1
			  AND status = 'pending'
			  AND (expires_at IS NULL OR expires_at > $3)
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + commandColumns

	rows, err := r.db.QueryContext(ctx, q, deviceID, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Acknowledge 幂等回执：只有 pending/delivered 的指令会被写入终态，
// 未知或已终态的 command_id 影响 0 行、按成功处理
func (r *PostgresCommandsRepo) Acknowledge(ctx context.Context, deviceID, commandID string, status models.CommandStatus, result string, at time.Time) error {
	q := `
		UPDATE commands SET
			status      = $3,
			result      = $4,
			executed_at = $5
		WHERE command_id = $1
		  AND device_id = $2
		  AND status IN ('pending', 'delivered')`
	_, err := r.db.ExecContext(ctx, q, commandID, deviceID, string(status), result, at)
	return err
}

func (r *PostgresCommandsRepo) CountPending(ctx context.Context, deviceID string, now time.Time) (int, error) {
	q := `
		SELECT COUNT(*) FROM commands
		WHERE device_id = $1
		  AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > $2)`
	var n int
	err := r.db.QueryRowContext(ctx, q, deviceID, now).Scan(&n)
	return n, err
}

func (r *PostgresCommandsRepo) ListByDevice(ctx context.Context, deviceID string, statuses []string, limit int) ([]models.Command, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + commandColumns + ` FROM commands WHERE device_id = $1`
	args := []any{deviceID}
	argN := 2
	if len(statuses) > 0 {
		q += fmt.Sprintf(" AND status = ANY($%d)", argN)
		args = append(args, pq.Array(statuses))
		argN++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
