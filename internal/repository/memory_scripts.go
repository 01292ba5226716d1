package repository

import (
	"context"
	"sort"
	"sync"

	"fleetd/internal/models"
)

// MemoryScriptsRepo 内存版脚本指派仓库
type MemoryScriptsRepo struct {
	mu          sync.Mutex
	assignments map[string][]*models.ScriptAssignment // device_id -> 历史指派
}

func NewMemoryScriptsRepo() *MemoryScriptsRepo {
	return &MemoryScriptsRepo{assignments: map[string][]*models.ScriptAssignment{}}
}

func cloneAssignment(a *models.ScriptAssignment) *models.ScriptAssignment {
	n := *a
	if a.DeactivatedAt != nil {
		v := *a.DeactivatedAt
		n.DeactivatedAt = &v
	}
	return &n
}

func (r *MemoryScriptsRepo) GetActive(_ context.Context, deviceID string) (*models.ScriptAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.assignments[deviceID] {
		if a.Active {
			return cloneAssignment(a), nil
		}
	}
	return nil, nil
}

func (r *MemoryScriptsRepo) Assign(_ context.Context, a *models.ScriptAssignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, old := range r.assignments[a.DeviceID] {
		if old.Active {
			old.Active = false
			v := a.CreatedAt
			old.DeactivatedAt = &v
		}
	}
	n := cloneAssignment(a)
	n.Active = true
	r.assignments[a.DeviceID] = append(r.assignments[a.DeviceID], n)
	return nil
}

func (r *MemoryScriptsRepo) ListByDevice(_ context.Context, deviceID string, limit int) ([]models.ScriptAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	out := []models.ScriptAssignment{}
	for _, a := range r.assignments[deviceID] {
		out = append(out, *cloneAssignment(a))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
