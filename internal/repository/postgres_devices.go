package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fleetd/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresDevicesRepo 设备注册表的 Postgres 实现
type PostgresDevicesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresDevicesRepo(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepo {
	return &PostgresDevicesRepo{db: db, logger: logger}
}

const deviceColumns = `
	device_id, display_name, device_type, board_type, hardware_info,
	firmware_version, ip_address, mac_address, capabilities, check_in_interval,
	last_seen, status, config_hash, config_updated_at, reported_script_id,
	reported_script_version, temperature, relay_on, battery_percent,
	battery_voltage, battery_source, battery_updated_at, retired_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(s rowScanner) (*models.Device, error) {
	var (
		d           models.Device
		lastSeen    sql.NullTime
		configAt    sql.NullTime
		temperature sql.NullFloat64
		relayOn     sql.NullBool
		battPercent sql.NullFloat64
		battVoltage sql.NullFloat64
		battAt      sql.NullTime
		retiredAt   sql.NullTime
	)
	if err := s.Scan(
		&d.DeviceID, &d.DisplayName, &d.DeviceType, &d.BoardType, &d.HardwareInfo,
		&d.FirmwareVersion, &d.IPAddress, &d.MACAddress, pq.Array(&d.Capabilities), &d.CheckInInterval,
		&lastSeen, &d.Status, &d.ConfigHash, &configAt, &d.ReportedScriptID,
		&d.ReportedScriptVersion, &temperature, &relayOn, &battPercent,
		&battVoltage, &d.BatterySource, &battAt, &retiredAt,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = &lastSeen.Time
	}
	if configAt.Valid {
		d.ConfigUpdatedAt = &configAt.Time
	}
	if temperature.Valid {
		d.Temperature = &temperature.Float64
	}
	if relayOn.Valid {
		d.RelayOn = &relayOn.Bool
	}
	if battPercent.Valid {
		d.BatteryPercent = &battPercent.Float64
	}
	if battVoltage.Valid {
		d.BatteryVoltage = &battVoltage.Float64
	}
	if battAt.Valid {
		d.BatteryUpdatedAt = &battAt.Time
	}
	if retiredAt.Valid {
		d.RetiredAt = &retiredAt.Time
	}
	return &d, nil
}

// Upsert 注册即到达：首次插入，重复注册覆盖声明字段并复活软删除记录。
// 空字符串视为未声明、保留原值；整个操作单语句原子。
func (r *PostgresDevicesRepo) Upsert(ctx context.Context, reg models.DeviceRegistration, seenAt time.Time) (*models.Device, error) {
	interval := reg.CheckInInterval
	if interval <= 0 {
		interval = models.DefaultCheckInInterval
	}
	caps := reg.Capabilities
	if caps == nil {
		caps = []string{}
	}

	q := `
		INSERT INTO devices (
			device_id, display_name, device_type, board_type, hardware_info,
			firmware_version, ip_address, mac_address, capabilities,
			check_in_interval, last_seen, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'online')
		ON CONFLICT (device_id) DO UPDATE SET
			display_name      = COALESCE(NULLIF(EXCLUDED.display_name, ''), devices.display_name),
			device_type       = COALESCE(NULLIF(EXCLUDED.device_type, ''), devices.device_type),
			board_type        = COALESCE(NULLIF(EXCLUDED.board_type, ''), devices.board_type),
			hardware_info     = COALESCE(NULLIF(EXCLUDED.hardware_info, ''), devices.hardware_info),
			firmware_version  = COALESCE(NULLIF(EXCLUDED.firmware_version, ''), devices.firmware_version),
			ip_address        = COALESCE(NULLIF(EXCLUDED.ip_address, ''), devices.ip_address),
			mac_address       = COALESCE(NULLIF(EXCLUDED.mac_address, ''), devices.mac_address),
			capabilities      = CASE WHEN cardinality(EXCLUDED.capabilities) = 0
			                         THEN devices.capabilities ELSE EXCLUDED.capabilities END,
			check_in_interval = EXCLUDED.check_in_interval,
			last_seen         = EXCLUDED.last_seen,
			status            = 'online',
			retired_at        = NULL,
			updated_at        = now()
		RETURNING ` + deviceColumns

	row := r.db.QueryRowContext(ctx, q,
		reg.DeviceID, reg.DisplayName, reg.DeviceType, reg.BoardType, reg.HardwareInfo,
		reg.FirmwareVersion, reg.IPAddress, reg.MACAddress, pq.Array(caps),
		interval, seenAt,
	)
	return scanDevice(row)
}

func (r *PostgresDevicesRepo) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	return scanDevice(r.db.QueryRowContext(ctx, q, deviceID))
}

func (r *PostgresDevicesRepo) List(ctx context.Context, filters DeviceFilters) ([]models.Device, int, error) {
	where := []string{"retired_at IS NULL"}
	args := []any{}
	argN := 1

	if len(filters.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status = ANY($%d)", argN))
		args = append(args, pq.Array(filters.Statuses))
		argN++
	}
	if filters.DeviceType != "" {
		where = append(where, fmt.Sprintf("device_type = $%d", argN))
		args = append(args, filters.DeviceType)
		argN++
	}
	if filters.Keyword != "" {
		col := "display_name"
		switch filters.SearchType {
		case "device_id":
			col = "device_id"
		case "mac_address":
			col = "mac_address"
		}
		where = append(where, fmt.Sprintf("%s ILIKE $%d", col, argN))
		args = append(args, "%"+filters.Keyword+"%")
		argN++
	}

	queryCount := `SELECT COUNT(*) FROM devices WHERE ` + strings.Join(where, " AND ")
	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := filters.Page
	size := filters.Size
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	q := `SELECT ` + deviceColumns + ` FROM devices WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY device_id
		LIMIT $` + fmt.Sprintf("%d", argN) + ` OFFSET $` + fmt.Sprintf("%d", argN+1)
	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

func (r *PostgresDevicesRepo) ListSweepCandidates(ctx context.Context, olderThan time.Time) ([]models.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices
		WHERE retired_at IS NULL
		  AND status IN ('online', 'hibernating')
		  AND last_seen IS NOT NULL
		  AND last_seen < $1
		ORDER BY last_seen ASC`

	rows, err := r.db.QueryContext(ctx, q, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PostgresDevicesRepo) MarkContact(ctx context.Context, deviceID string, seenAt time.Time) error {
	q := `
		UPDATE devices SET
			last_seen  = $2,
			status     = 'online',
			updated_at = now()
		WHERE device_id = $1 AND retired_at IS NULL`
	_, err := r.db.ExecContext(ctx, q, deviceID, seenAt)
	return err
}

func (r *PostgresDevicesRepo) UpdateHeartbeatState(ctx context.Context, u HeartbeatUpdate) error {
	q := `
		UPDATE devices SET
			last_seen   = $2,
			status      = $3,
			ip_address  = COALESCE($4::text, ip_address),
			temperature = COALESCE($5::float8, temperature),
			relay_on    = COALESCE($6::boolean, relay_on),
			updated_at  = now()
		WHERE device_id = $1 AND retired_at IS NULL`
	_, err := r.db.ExecContext(ctx, q,
		u.DeviceID, u.SeenAt, string(u.Status), u.IPAddress, u.Temperature, u.RelayOn)
	return err
}

func (r *PostgresDevicesRepo) UpdateBattery(ctx context.Context, deviceID string, state models.BatteryState) (bool, error) {
	q := `
		UPDATE devices SET
			battery_percent    = $2,
			battery_voltage    = $3,
			battery_source     = $4,
			battery_updated_at = $5,
			updated_at         = now()
		WHERE device_id = $1 AND retired_at IS NULL`
	if state.Source == models.BatterySourceHeartbeat {
		// 读取与写入之间可能有日志来源的写入落地，写入时复查压制窗口
		q += `
		  AND NOT (
			battery_source = 'log'
			AND battery_updated_at IS NOT NULL
			AND battery_updated_at > $5::timestamptz - interval '120 seconds'
		  )`
	}

	res, err := r.db.ExecContext(ctx, q,
		deviceID, state.Percent, state.Voltage, string(state.Source), state.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresDevicesRepo) UpdateConfigHash(ctx context.Context, deviceID, hash string, at time.Time) error {
	q := `
		UPDATE devices SET
			config_hash       = $2,
			config_updated_at = $3,
			updated_at        = now()
		WHERE device_id = $1`
	_, err := r.db.ExecContext(ctx, q, deviceID, hash, at)
	return err
}

func (r *PostgresDevicesRepo) UpdateReportedScript(ctx context.Context, deviceID, scriptID, version string, seenAt time.Time) error {
	q := `
		UPDATE devices SET
			reported_script_id      = COALESCE(NULLIF($2, ''), reported_script_id),
			reported_script_version = $3,
			last_seen               = $4,
			updated_at              = now()
		WHERE device_id = $1 AND retired_at IS NULL`
	_, err := r.db.ExecContext(ctx, q, deviceID, scriptID, version, seenAt)
	return err
}

func (r *PostgresDevicesRepo) ForceHibernate(ctx context.Context, deviceID string, at time.Time) error {
	q := `
		UPDATE devices SET
			status     = 'hibernating',
			last_seen  = $2,
			updated_at = now()
		WHERE device_id = $1 AND retired_at IS NULL`
	_, err := r.db.ExecContext(ctx, q, deviceID, at)
	return err
}

func (r *PostgresDevicesRepo) CompareAndSetStatus(ctx context.Context, deviceID string, from, to models.DeviceStatus, lastSeen time.Time) (bool, error) {
	q := `
		UPDATE devices SET
			status     = $2,
			updated_at = now()
		WHERE device_id = $1
		  AND status = $3
		  AND last_seen = $4
		  AND retired_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, deviceID, string(to), string(from), lastSeen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Retire 幂等：已软删除的设备再次删除不是错误
func (r *PostgresDevicesRepo) Retire(ctx context.Context, deviceID string, at time.Time) error {
	q := `
		UPDATE devices SET
			retired_at = $2,
			updated_at = now()
		WHERE device_id = $1 AND retired_at IS NULL`
	_, err := r.db.ExecContext(ctx, q, deviceID, at)
	return err
}
