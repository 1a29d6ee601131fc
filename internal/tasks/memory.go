package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps task records in a map. It backs tests and
// single-process deployments that can afford to lose the queue on
// restart.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (m *MemoryStore) Save(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, queue, workerID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var best *Task
	for _, t := range m.tasks {
		if t.Status != StatusPending || t.Queue != queue || t.ScheduledFor.After(now) {
			continue
		}
		if best == nil || claimBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	started := now
	best.Status = StatusProcessing
	best.WorkerID = workerID
	best.StartedAt = &started
	return best.Clone(), nil
}

// claimBefore orders claims: higher priority first, then earlier
// createdAt, then ID for determinism.
func claimBefore(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) Update(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetByStatus(_ context.Context, status Status, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetByQueue(_ context.Context, queue string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Queue == queue {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Status]int)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

func (m *MemoryStore) ReleaseStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.tasks {
		if t.Status == StatusProcessing && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			t.Status = StatusPending
			t.WorkerID = ""
			t.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
