package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Schema 按版本演进：启动时显式执行未应用的迁移，不做运行时列探测。

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INT PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "fleet core tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS devices (
				device_id               TEXT PRIMARY KEY,
				display_name            TEXT NOT NULL DEFAULT '',
				device_type             TEXT NOT NULL DEFAULT '',
				board_type              TEXT NOT NULL DEFAULT '',
				hardware_info           TEXT NOT NULL DEFAULT '',
				firmware_version        TEXT NOT NULL DEFAULT '',
				ip_address              TEXT NOT NULL DEFAULT '',
				mac_address             TEXT NOT NULL DEFAULT '',
				capabilities            TEXT[] NOT NULL DEFAULT '{}',
				check_in_interval       INT NOT NULL DEFAULT 60,
				last_seen               TIMESTAMPTZ,
				status                  TEXT NOT NULL DEFAULT 'pending',
				config_hash             TEXT NOT NULL DEFAULT '',
				config_updated_at       TIMESTAMPTZ,
				reported_script_id      TEXT NOT NULL DEFAULT '',
				reported_script_version TEXT NOT NULL DEFAULT '',
				temperature             DOUBLE PRECISION,
				relay_on                BOOLEAN,
				battery_percent         DOUBLE PRECISION,
				battery_voltage         DOUBLE PRECISION,
				battery_source          TEXT NOT NULL DEFAULT '',
				battery_updated_at      TIMESTAMPTZ,
				retired_at              TIMESTAMPTZ,
				created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_devices_status
				ON devices (status) WHERE retired_at IS NULL`,
			`CREATE TABLE IF NOT EXISTS commands (
				command_id   UUID PRIMARY KEY,
				device_id    TEXT NOT NULL REFERENCES devices(device_id),
				command_type TEXT NOT NULL,
				payload      JSONB NOT NULL DEFAULT '{}',
				priority     INT NOT NULL DEFAULT 100,
				status       TEXT NOT NULL DEFAULT 'pending',
				attempts     INT NOT NULL DEFAULT 0,
				max_attempts INT NOT NULL DEFAULT 3,
				result       TEXT NOT NULL DEFAULT '',
				created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
				expires_at   TIMESTAMPTZ,
				executed_at  TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_commands_pending
				ON commands (device_id, priority, created_at) WHERE status = 'pending'`,
			`CREATE TABLE IF NOT EXISTS script_assignments (
				assignment_id  UUID PRIMARY KEY,
				device_id      TEXT NOT NULL REFERENCES devices(device_id),
				script_id      TEXT NOT NULL,
				script_name    TEXT NOT NULL DEFAULT '',
				script_version TEXT NOT NULL,
				script_type    TEXT NOT NULL DEFAULT 'micropython',
				content        TEXT NOT NULL,
				active         BOOLEAN NOT NULL DEFAULT TRUE,
				created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
				deactivated_at TIMESTAMPTZ
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_script_assignments_active
				ON script_assignments (device_id) WHERE active`,
			`CREATE TABLE IF NOT EXISTS telemetry_samples (
				id          BIGSERIAL PRIMARY KEY,
				device_id   TEXT NOT NULL,
				payload     JSONB NOT NULL DEFAULT '{}',
				recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_telemetry_samples_device
				ON telemetry_samples (device_id, recorded_at DESC)`,
		},
	},
	{
		version: 2,
		name:    "device logs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS device_logs (
				id         BIGSERIAL PRIMARY KEY,
				device_id  TEXT NOT NULL,
				level      TEXT NOT NULL DEFAULT 'info',
				message    TEXT NOT NULL,
				logged_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_device_logs_device
				ON device_logs (device_id, logged_at DESC)`,
		},
	},
}

// Migrate 应用所有未执行的 schema 迁移
func Migrate(db *sql.DB, logger *zap.Logger) error {
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
			m.version, m.name,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}

		logger.Info("Applied schema migration",
			zap.Int("version", m.version),
			zap.String("name", m.name),
		)
	}

	return nil
}
