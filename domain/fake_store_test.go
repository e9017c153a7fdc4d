package domain

import (
	"context"
	"sort"
	"strconv"
)

type fakeStore struct {
	tasks map[string]Task
	seq   int
	err   error

	inserts     int
	updates     int
	lastPatch   TaskPatch
	deleteCalls int
}

func (f *fakeStore) Insert(ctx context.Context, draft TaskDraft) (Task, error) {
	if f.err != nil {
		return Task{}, f.err
	}
	if f.tasks == nil {
		f.tasks = map[string]Task{}
	}
	f.seq++
	t := NewTask("t"+strconv.Itoa(f.seq), draft, Now())
	f.tasks[t.ID] = t
	f.inserts++
	return t, nil
}

func (f *fakeStore) FindAll(ctx context.Context) ([]Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) FindByID(ctx context.Context, id string) (Task, error) {
	if f.err != nil {
		return Task{}, f.err
	}
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	if f.err != nil {
		return Task{}, f.err
	}
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	patch.Apply(&t)
	t.UpdatedAt = Now()
	f.tasks[id] = t
	f.updates++
	f.lastPatch = patch
	return t, nil
}

func (f *fakeStore) Toggle(ctx context.Context, id string) (Task, error) {
	if f.err != nil {
		return Task{}, f.err
	}
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	t.Completed = !t.Completed
	t.UpdatedAt = Now()
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) DeleteByID(ctx context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleteCalls++
	if _, ok := f.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) DeleteCompleted(ctx context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := 0
	for id, t := range f.tasks {
		if t.Completed {
			delete(f.tasks, id)
			n++
		}
	}
	return n, nil
}
