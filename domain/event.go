package domain

import "time"

// TaskEventType names a change made to the task collection.
type TaskEventType string

const (
	TaskCreated           TaskEventType = "task-created"
	TaskUpdated           TaskEventType = "task-updated"
	TaskToggled           TaskEventType = "task-toggled"
	TaskDeleted           TaskEventType = "task-deleted"
	CompletedTasksDeleted TaskEventType = "tasks-completed-deleted"
)

// TaskEvent describes a committed mutation. Task is set for create, update and
// toggle; Count is set for bulk deletes.
type TaskEvent struct {
	Type   TaskEventType `json:"type"`
	TaskID string        `json:"taskId,omitempty"`
	Task   *Task         `json:"task,omitempty"`
	Count  int           `json:"count,omitempty"`
	Time   time.Time     `json:"time"`
}
