package api

import (
	"context"

	"trackearly-api/domain"
)

// TaskService abstracts the task operations for handlers.
type TaskService interface {
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Create(ctx context.Context, draft domain.TaskDraft) (domain.Task, error)
	Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	Toggle(ctx context.Context, id string) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	DeleteCompleted(ctx context.Context) (int, error)
}
