package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trackearly-api/domain"
)

type taskRow struct {
	ID        string `gorm:"primarykey;size:36"`
	Title     string `gorm:"size:200;not null"`
	Details   string `gorm:"size:1000;not null"`
	Completed bool   `gorm:"not null;index"`
	DueDate   *time.Time
	CreatedAt time.Time `gorm:"not null;index;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

// TableName returns the table name for taskRow.
func (taskRow) TableName() string {
	return "tasks"
}

func newTaskRow(t domain.Task) taskRow {
	return taskRow{
		ID:        t.ID,
		Title:     t.Title,
		Details:   t.Details,
		Completed: t.Completed,
		DueDate:   t.DueDate,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func (r taskRow) task() domain.Task {
	t := domain.Task{
		ID:        r.ID,
		Title:     r.Title,
		Details:   r.Details,
		Completed: r.Completed,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.DueDate != nil {
		due := r.DueDate.UTC()
		t.DueDate = &due
	}
	return t
}

// SQL stores tasks in a SQLite database through GORM.
type SQL struct {
	db *gorm.DB
}

// OpenSQL opens (and migrates) the SQLite database at path. Transactions start
// with BEGIN IMMEDIATE so read-modify-write sequences hold the write lock.
func OpenSQL(path string) (*SQL, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewSQL(db)
}

// NewSQL wraps an open GORM handle and migrates the task schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&taskRow{}); err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return &SQL{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQL) Close(_ context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQL) Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	t := domain.NewTask(uuid.NewString(), draft, domain.Now())
	row := newTaskRow(t)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

func (s *SQL) FindAll(ctx context.Context) ([]domain.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Order("created_at desc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.task())
	}
	return tasks, nil
}

func (s *SQL) FindByID(ctx context.Context, id string) (domain.Task, error) {
	row, err := findRow(s.db.WithContext(ctx), id)
	if err != nil {
		return domain.Task{}, err
	}
	return row.task(), nil
}

func findRow(db *gorm.DB, id string) (taskRow, error) {
	var row taskRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskRow{}, domain.ErrNotFound
		}
		return taskRow{}, fmt.Errorf("failed to find task: %w", err)
	}
	return row, nil
}

func (s *SQL) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	return s.mutate(ctx, id, func() map[string]any {
		updates := map[string]any{}
		if patch.Title != nil {
			updates["title"] = *patch.Title
		}
		if patch.Details != nil {
			updates["details"] = *patch.Details
		}
		if patch.Completed != nil {
			updates["completed"] = *patch.Completed
		}
		if patch.DueDate.Set {
			if patch.DueDate.Time != nil {
				updates["due_date"] = patch.DueDate.Time.UTC()
			} else {
				updates["due_date"] = nil
			}
		}
		return updates
	})
}

func (s *SQL) Toggle(ctx context.Context, id string) (domain.Task, error) {
	return s.mutate(ctx, id, func() map[string]any {
		return map[string]any{"completed": gorm.Expr("NOT completed")}
	})
}

// mutate writes first and reads back inside one transaction, so the returned task
// is exactly the state produced by this write.
func (s *SQL) mutate(ctx context.Context, id string, columns func() map[string]any) (domain.Task, error) {
	var out domain.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := columns()
		updates["updated_at"] = domain.Now()
		res := tx.Model(&taskRow{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		row, err := findRow(tx, id)
		if err != nil {
			return err
		}
		out = row.task()
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

func (s *SQL) DeleteByID(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&taskRow{}, "id = ?", id)
	if err := res.Error; err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQL) DeleteCompleted(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("completed = ?", true).Delete(&taskRow{})
	if err := res.Error; err != nil {
		return 0, fmt.Errorf("failed to delete completed tasks: %w", err)
	}
	return int(res.RowsAffected), nil
}
