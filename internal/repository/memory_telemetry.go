package repository

import (
	"context"
	"sort"
	"sync"

	"fleetd/internal/models"
)

// MemoryTelemetryRepo 内存版遥测与日志仓库
type MemoryTelemetryRepo struct {
	mu      sync.Mutex
	nextID  int64
	samples map[string][]*models.TelemetrySample
	logs    map[string][]*models.DeviceLog
}

func NewMemoryTelemetryRepo() *MemoryTelemetryRepo {
	return &MemoryTelemetryRepo{
		nextID:  1,
		samples: map[string][]*models.TelemetrySample{},
		logs:    map[string][]*models.DeviceLog{},
	}
}

func (r *MemoryTelemetryRepo) InsertSample(_ context.Context, s *models.TelemetrySample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := *s
	if n.Payload != nil {
		n.Payload = make(map[string]any, len(s.Payload))
		for k, v := range s.Payload {
			n.Payload[k] = v
		}
	}
	n.ID = r.nextID
	r.nextID++
	s.ID = n.ID
	r.samples[n.DeviceID] = append(r.samples[n.DeviceID], &n)
	return nil
}

func (r *MemoryTelemetryRepo) ListRecentSamples(_ context.Context, deviceID string, limit int) ([]models.TelemetrySample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := []models.TelemetrySample{}
	for _, s := range r.samples[deviceID] {
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryTelemetryRepo) InsertLog(_ context.Context, l *models.DeviceLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := *l
	n.ID = r.nextID
	r.nextID++
	l.ID = n.ID
	r.logs[n.DeviceID] = append(r.logs[n.DeviceID], &n)
	return nil
}

func (r *MemoryTelemetryRepo) ListRecentLogs(_ context.Context, deviceID string, limit int) ([]models.DeviceLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	out := []models.DeviceLog{}
	for _, l := range r.logs[deviceID] {
		out = append(out, *l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoggedAt.After(out[j].LoggedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
