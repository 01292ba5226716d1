package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fleetd/internal/models"

	"go.uber.org/zap"
)

// PostgresTelemetryRepo 遥测样本与设备日志的 Postgres 实现（两张 append-only 表）
type PostgresTelemetryRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresTelemetryRepo(db *sql.DB, logger *zap.Logger) *PostgresTelemetryRepo {
	return &PostgresTelemetryRepo{db: db, logger: logger}
}

func (r *PostgresTelemetryRepo) InsertSample(ctx context.Context, s *models.TelemetrySample) error {
	raw := []byte(`{}`)
	if s.Payload != nil {
		var err error
		raw, err = json.Marshal(s.Payload)
		if err != nil {
			return fmt.Errorf("encode telemetry payload: %w", err)
		}
	}

	return r.db.QueryRowContext(ctx, `
		INSERT INTO telemetry_samples (device_id, payload, recorded_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		s.DeviceID, raw, s.RecordedAt,
	).Scan(&s.ID)
}

func (r *PostgresTelemetryRepo) ListRecentSamples(ctx context.Context, deviceID string, limit int) ([]models.TelemetrySample, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, payload, recorded_at
		FROM telemetry_samples
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.TelemetrySample{}
	for rows.Next() {
		var (
			s   models.TelemetrySample
			raw []byte
		)
		if err := rows.Scan(&s.ID, &s.DeviceID, &raw, &s.RecordedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &s.Payload); err != nil {
				return nil, fmt.Errorf("decode telemetry payload: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresTelemetryRepo) InsertLog(ctx context.Context, log *models.DeviceLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_logs (device_id, level, message, logged_at)
		VALUES ($1, $2, $3, $4)`,
		log.DeviceID, log.Level, log.Message, log.LoggedAt,
	)
	return err
}

func (r *PostgresTelemetryRepo) ListRecentLogs(ctx context.Context, deviceID string, limit int) ([]models.DeviceLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, level, message, logged_at, created_at
		FROM device_logs
		WHERE device_id = $1
		ORDER BY logged_at DESC
		LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.DeviceLog{}
	for rows.Next() {
		var l models.DeviceLog
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.Level, &l.Message, &l.LoggedAt, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
