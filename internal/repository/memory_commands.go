package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetd/internal/models"
)

// MemoryCommandsRepo 内存版指令队列：出队排序、过期排除与重复回执幂等
// 均与 Postgres 版对齐
type MemoryCommandsRepo struct {
	mu       sync.Mutex
	commands map[string][]*models.Command // device_id -> 指令列表
	byID     map[string]*models.Command
}

func NewMemoryCommandsRepo() *MemoryCommandsRepo {
	return &MemoryCommandsRepo{
		commands: map[string][]*models.Command{},
		byID:     map[string]*models.Command{},
	}
}

func cloneCommand(c *models.Command) *models.Command {
	n := *c
	if c.Payload != nil {
		n.Payload = make(map[string]any, len(c.Payload))
		for k, v := range c.Payload {
			n.Payload[k] = v
		}
	}
	if c.ExpiresAt != nil {
		v := *c.ExpiresAt
		n.ExpiresAt = &v
	}
	if c.ExecutedAt != nil {
		v := *c.ExecutedAt
		n.ExecutedAt = &v
	}
	return &n
}

func (r *MemoryCommandsRepo) Enqueue(_ context.Context, cmd *models.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := cloneCommand(cmd)
	if c.Status == "" {
		c.Status = models.CommandStatusPending
	}
	r.commands[c.DeviceID] = append(r.commands[c.DeviceID], c)
	r.byID[c.CommandID] = c
	return nil
}

func (r *MemoryCommandsRepo) DequeueDueBatch(_ context.Context, deviceID string, limit int, now time.Time) ([]models.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	due := []*models.Command{}
	for _, c := range r.commands[deviceID] {
		if c.Status != models.CommandStatusPending || c.Expired(now) {
			continue
		}
		due = append(due, c)
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.Command, 0, len(due))
	for _, c := range due {
		c.Status = models.CommandStatusDelivered
		c.Attempts++
		out = append(out, *cloneCommand(c))
	}
	return out, nil
}

func (r *MemoryCommandsRepo) Acknowledge(_ context.Context, deviceID, commandID string, status models.CommandStatus, result string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[commandID]
	if !ok || c.DeviceID != deviceID || c.Status.Terminal() {
		return nil
	}
	c.Status = status
	c.Result = result
	v := at
	c.ExecutedAt = &v
	return nil
}

func (r *MemoryCommandsRepo) CountPending(_ context.Context, deviceID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.commands[deviceID] {
		if c.Status == models.CommandStatusPending && !c.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryCommandsRepo) ListByDevice(_ context.Context, deviceID string, statuses []string, limit int) ([]models.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := []models.Command{}
	for _, c := range r.commands[deviceID] {
		if len(statuses) > 0 && !containsString(statuses, string(c.Status)) {
			continue
		}
		out = append(out, *cloneCommand(c))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
