package repository

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetd/internal/models"
)

// MemoryDevicesRepo 内存版设备注册表：DB 未就绪时的本地联测实现，
// 语义与 Postgres 版一致（含电池压制复查与条件状态翻转）
type MemoryDevicesRepo struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
}

func NewMemoryDevicesRepo() *MemoryDevicesRepo {
	return &MemoryDevicesRepo{devices: map[string]*models.Device{}}
}

func cloneDevice(d *models.Device) *models.Device {
	c := *d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	if d.LastSeen != nil {
		v := *d.LastSeen
		c.LastSeen = &v
	}
	if d.ConfigUpdatedAt != nil {
		v := *d.ConfigUpdatedAt
		c.ConfigUpdatedAt = &v
	}
	if d.Temperature != nil {
		v := *d.Temperature
		c.Temperature = &v
	}
	if d.RelayOn != nil {
		v := *d.RelayOn
		c.RelayOn = &v
	}
	if d.BatteryPercent != nil {
		v := *d.BatteryPercent
		c.BatteryPercent = &v
	}
	if d.BatteryVoltage != nil {
		v := *d.BatteryVoltage
		c.BatteryVoltage = &v
	}
	if d.BatteryUpdatedAt != nil {
		v := *d.BatteryUpdatedAt
		c.BatteryUpdatedAt = &v
	}
	if d.RetiredAt != nil {
		v := *d.RetiredAt
		c.RetiredAt = &v
	}
	return &c
}

func (r *MemoryDevicesRepo) Upsert(_ context.Context, reg models.DeviceRegistration, seenAt time.Time) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval := reg.CheckInInterval
	if interval <= 0 {
		interval = models.DefaultCheckInInterval
	}

	d, ok := r.devices[reg.DeviceID]
	if !ok {
		now := seenAt
		d = &models.Device{
			DeviceID:  reg.DeviceID,
			CreatedAt: now,
		}
		r.devices[reg.DeviceID] = d
	}

	// 空字符串视为未声明、保留原值
	setIfDeclared := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIfDeclared(&d.DisplayName, reg.DisplayName)
	setIfDeclared(&d.DeviceType, reg.DeviceType)
	setIfDeclared(&d.BoardType, reg.BoardType)
	setIfDeclared(&d.HardwareInfo, reg.HardwareInfo)
	setIfDeclared(&d.FirmwareVersion, reg.FirmwareVersion)
	setIfDeclared(&d.IPAddress, reg.IPAddress)
	setIfDeclared(&d.MACAddress, reg.MACAddress)
	if len(reg.Capabilities) > 0 {
		d.Capabilities = append([]string(nil), reg.Capabilities...)
	}
	d.CheckInInterval = interval
	seen := seenAt
	d.LastSeen = &seen
	d.Status = models.DeviceStatusOnline
	d.RetiredAt = nil
	d.UpdatedAt = seenAt

	return cloneDevice(d), nil
}

func (r *MemoryDevicesRepo) Get(_ context.Context, deviceID string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneDevice(d), nil
}

func (r *MemoryDevicesRepo) List(_ context.Context, filters DeviceFilters) ([]models.Device, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := []models.Device{}
	for _, d := range r.devices {
		if d.RetiredAt != nil {
			continue
		}
		if len(filters.Statuses) > 0 && !containsString(filters.Statuses, string(d.Status)) {
			continue
		}
		if filters.DeviceType != "" && d.DeviceType != filters.DeviceType {
			continue
		}
		if filters.Keyword != "" {
			field := d.DisplayName
			switch filters.SearchType {
			case "device_id":
				field = d.DeviceID
			case "mac_address":
				field = d.MACAddress
			}
			if !strings.Contains(strings.ToLower(field), strings.ToLower(filters.Keyword)) {
				continue
			}
		}
		all = append(all, *cloneDevice(d))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DeviceID < all[j].DeviceID })

	total := len(all)
	page := filters.Page
	size := filters.Size
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *MemoryDevicesRepo) ListSweepCandidates(_ context.Context, olderThan time.Time) ([]models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.Device{}
	for _, d := range r.devices {
		if d.RetiredAt != nil || d.LastSeen == nil {
			continue
		}
		if d.Status != models.DeviceStatusOnline && d.Status != models.DeviceStatusHibernating {
			continue
		}
		if d.LastSeen.Before(olderThan) {
			out = append(out, *cloneDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(*out[j].LastSeen) })
	return out, nil
}

func (r *MemoryDevicesRepo) MarkContact(_ context.Context, deviceID string, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.RetiredAt != nil {
		return nil
	}
	seen := seenAt
	d.LastSeen = &seen
	d.Status = models.DeviceStatusOnline
	d.UpdatedAt = seenAt
	return nil
}

func (r *MemoryDevicesRepo) UpdateHeartbeatState(_ context.Context, u HeartbeatUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[u.DeviceID]
	if !ok || d.RetiredAt != nil {
		return nil
	}
	seen := u.SeenAt
	d.LastSeen = &seen
	d.Status = u.Status
	if u.IPAddress != nil {
		d.IPAddress = *u.IPAddress
	}
	if u.Temperature != nil {
		v := *u.Temperature
		d.Temperature = &v
	}
	if u.RelayOn != nil {
		v := *u.RelayOn
		d.RelayOn = &v
	}
	d.UpdatedAt = u.SeenAt
	return nil
}

func (r *MemoryDevicesRepo) UpdateBattery(_ context.Context, deviceID string, state models.BatteryState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.RetiredAt != nil {
		return false, nil
	}
	// 写入时复查压制窗口（与 Postgres 版的 WHERE 条件一致）
	if state.Source == models.BatterySourceHeartbeat &&
		d.BatterySource == models.BatterySourceLog &&
		d.BatteryUpdatedAt != nil && state.UpdatedAt != nil &&
		state.UpdatedAt.Sub(*d.BatteryUpdatedAt) < 120*time.Second {
		return false, nil
	}

	if state.Percent != nil {
		v := *state.Percent
		d.BatteryPercent = &v
	} else {
		d.BatteryPercent = nil
	}
	if state.Voltage != nil {
		v := *state.Voltage
		d.BatteryVoltage = &v
	} else {
		d.BatteryVoltage = nil
	}
	d.BatterySource = state.Source
	if state.UpdatedAt != nil {
		v := *state.UpdatedAt
		d.BatteryUpdatedAt = &v
		d.UpdatedAt = v
	}
	return true, nil
}

func (r *MemoryDevicesRepo) UpdateConfigHash(_ context.Context, deviceID, hash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	d.ConfigHash = hash
	v := at
	d.ConfigUpdatedAt = &v
	d.UpdatedAt = at
	return nil
}

func (r *MemoryDevicesRepo) UpdateReportedScript(_ context.Context, deviceID, scriptID, version string, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.RetiredAt != nil {
		return nil
	}
	if scriptID != "" {
		d.ReportedScriptID = scriptID
	}
	d.ReportedScriptVersion = version
	seen := seenAt
	d.LastSeen = &seen
	d.UpdatedAt = seenAt
	return nil
}

func (r *MemoryDevicesRepo) ForceHibernate(_ context.Context, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.RetiredAt != nil {
		return nil
	}
	d.Status = models.DeviceStatusHibernating
	seen := at
	d.LastSeen = &seen
	d.UpdatedAt = at
	return nil
}

func (r *MemoryDevicesRepo) CompareAndSetStatus(_ context.Context, deviceID string, from, to models.DeviceStatus, lastSeen time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.RetiredAt != nil {
		return false, nil
	}
	if d.Status != from || d.LastSeen == nil || !d.LastSeen.Equal(lastSeen) {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryDevicesRepo) Retire(_ context.Context, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.RetiredAt != nil {
		return nil
	}
	v := at
	d.RetiredAt = &v
	d.UpdatedAt = at
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
