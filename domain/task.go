package domain

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLength   = 200
	MaxDetailsLength = 1000
)

// Task represents a single tracked item.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Details   string     `json:"details"`
	Completed bool       `json:"completed"`
	DueDate   *time.Time `json:"dueDate"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TaskDraft carries the caller supplied fields of a task that is about to be created.
type TaskDraft struct {
	Title     string
	Details   string
	Completed bool
	DueDate   *time.Time
}

// DueDatePatch describes a due date change. When Set is false the stored value is left
// untouched; when Set is true a nil Time clears the due date.
type DueDatePatch struct {
	Set  bool
	Time *time.Time
}

// TaskPatch carries partial updates for a task. Nil fields are not modified.
type TaskPatch struct {
	Title     *string
	Details   *string
	Completed *bool
	DueDate   DueDatePatch
}

// Empty reports whether the patch changes no field.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Details == nil && p.Completed == nil && !p.DueDate.Set
}

// Apply merges the supplied fields into t. Timestamps are left to the store.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Details != nil {
		t.Details = *p.Details
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.DueDate.Set {
		t.DueDate = cloneTime(p.DueDate.Time)
	}
}

// TaskStore defines the persistence operations the task service relies on.
//
// Update and Toggle must be atomic per task, and DeleteCompleted must remove the
// completed set in one step from the caller's point of view.
type TaskStore interface {
	Insert(ctx context.Context, draft TaskDraft) (Task, error)
	FindAll(ctx context.Context) ([]Task, error)
	FindByID(ctx context.Context, id string) (Task, error)
	Update(ctx context.Context, id string, patch TaskPatch) (Task, error)
	Toggle(ctx context.Context, id string) (Task, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteCompleted(ctx context.Context) (int, error)
}

// NewTask builds the task a store persists for draft.
func NewTask(id string, draft TaskDraft, now time.Time) Task {
	return Task{
		ID:        id,
		Title:     draft.Title,
		Details:   draft.Details,
		Completed: draft.Completed,
		DueDate:   cloneTime(draft.DueDate),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func normalizeTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", &ValidationError{Field: "title", Message: "Please add a task title"}
	}
	if utf8.RuneCountInString(trimmed) > MaxTitleLength {
		return "", &ValidationError{Field: "title", Message: "Title cannot be more than 200 characters"}
	}
	return trimmed, nil
}

func validateDetails(details string) error {
	if utf8.RuneCountInString(details) > MaxDetailsLength {
		return &ValidationError{Field: "details", Message: "Details cannot be more than 1000 characters"}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
