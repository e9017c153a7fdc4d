package domain

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

// TaskService enforces the task rules on top of a TaskStore.
type TaskService struct{ st TaskStore }

func NewTaskService(st TaskStore) TaskService { return TaskService{st: st} }

// List returns every task, newest first.
func (s TaskService) List(ctx context.Context) ([]Task, error) {
	tasks, err := s.st.FindAll(ctx)
	if err != nil {
		return nil, storageFault("list", "", err)
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// Get returns the task with the given id.
func (s TaskService) Get(ctx context.Context, id string) (Task, error) {
	t, err := s.st.FindByID(ctx, id)
	if err != nil {
		return Task{}, storageFault("get", id, err)
	}
	return t, nil
}

// Create validates draft and persists a new task.
func (s TaskService) Create(ctx context.Context, draft TaskDraft) (Task, error) {
	title, err := normalizeTitle(draft.Title)
	if err != nil {
		return Task{}, err
	}
	if err := validateDetails(draft.Details); err != nil {
		return Task{}, err
	}
	draft.Title = title
	t, err := s.st.Insert(ctx, draft)
	if err != nil {
		return Task{}, storageFault("create", "", err)
	}
	log.WithField("task", t.ID).Debug("task created")
	return t, nil
}

// Update merges the supplied fields of patch into the task with the given id.
func (s TaskService) Update(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	if patch.Title != nil {
		title, err := normalizeTitle(*patch.Title)
		if err != nil {
			return Task{}, err
		}
		patch.Title = &title
	}
	if patch.Details != nil {
		if err := validateDetails(*patch.Details); err != nil {
			return Task{}, err
		}
	}
	t, err := s.st.Update(ctx, id, patch)
	if err != nil {
		return Task{}, storageFault("update", id, err)
	}
	log.WithField("task", id).Debug("task updated")
	return t, nil
}

// Toggle flips the completion flag of the task with the given id.
func (s TaskService) Toggle(ctx context.Context, id string) (Task, error) {
	t, err := s.st.Toggle(ctx, id)
	if err != nil {
		return Task{}, storageFault("toggle", id, err)
	}
	log.WithFields(log.Fields{"task": id, "completed": t.Completed}).Debug("task toggled")
	return t, nil
}

// Delete permanently removes the task with the given id.
func (s TaskService) Delete(ctx context.Context, id string) error {
	if err := s.st.DeleteByID(ctx, id); err != nil {
		return storageFault("delete", id, err)
	}
	log.WithField("task", id).Debug("task deleted")
	return nil
}

// DeleteCompleted removes every completed task and reports how many were removed.
func (s TaskService) DeleteCompleted(ctx context.Context) (int, error) {
	n, err := s.st.DeleteCompleted(ctx)
	if err != nil {
		return 0, storageFault("delete-completed", "", err)
	}
	log.WithField("count", n).Debug("completed tasks deleted")
	return n, nil
}

// storageFault passes ErrNotFound through untouched and wraps everything else.
func storageFault(op, id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	log.WithError(err).WithFields(log.Fields{"op": op, "task": id}).Error("task store failure")
	return &StorageError{Op: op, Err: err}
}
