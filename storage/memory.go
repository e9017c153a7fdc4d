package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"trackearly-api/domain"
)

// Memory is a process local task store. All operations are serialized by a
// single lock, which makes every read-modify-write atomic.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]domain.Task)}
}

func (m *Memory) Insert(_ context.Context, draft domain.TaskDraft) (domain.Task, error) {
	t := domain.NewTask(uuid.NewString(), draft, domain.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return t, nil
}

func (m *Memory) FindAll(_ context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) FindByID(_ context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *Memory) Update(_ context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	patch.Apply(&t)
	t.UpdatedAt = domain.Now()
	m.tasks[id] = t
	return t, nil
}

func (m *Memory) Toggle(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	t.Completed = !t.Completed
	t.UpdatedAt = domain.Now()
	m.tasks[id] = t
	return t, nil
}

func (m *Memory) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) DeleteCompleted(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tasks {
		if t.Completed {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

// sortNewestFirst orders tasks by creation time, newest first, breaking ties by id
// so the order is stable across calls.
func sortNewestFirst(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
