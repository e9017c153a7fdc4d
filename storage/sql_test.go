package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trackearly-api/domain"
)

// newTestSQL creates an in-memory SQLite store. A single connection keeps every
// caller on the same in-memory database.
func newTestSQL(t *testing.T) *SQL {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	st, err := NewSQL(db)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestSQLInsertPersistsAllFields(t *testing.T) {
	st := newTestSQL(t)
	ctx := context.Background()
	due := time.Date(2025, 12, 24, 18, 30, 0, 0, time.UTC)

	created, err := st.Insert(ctx, domain.TaskDraft{Title: "Wrap gifts", Details: "tape", Completed: true, DueDate: &due})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	var row taskRow
	if err := st.db.First(&row, "id = ?", created.ID).Error; err != nil {
		t.Fatalf("failed to find created row: %v", err)
	}
	got := row.task()
	if got.Title != "Wrap gifts" || got.Details != "tape" || !got.Completed {
		t.Errorf("unexpected fields: %#v", got)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("expected due date %v, got %v", due, got.DueDate)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("expected createdAt %v, got %v", created.CreatedAt, got.CreatedAt)
	}
}

func TestSQLUpdateClearsDueDate(t *testing.T) {
	st := newTestSQL(t)
	ctx := context.Background()
	due := time.Now()
	created, _ := st.Insert(ctx, domain.TaskDraft{Title: "t", DueDate: &due})

	updated, err := st.Update(ctx, created.ID, domain.TaskPatch{DueDate: domain.DueDatePatch{Set: true}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.DueDate != nil {
		t.Errorf("expected due date cleared, got %v", updated.DueDate)
	}
}

func TestSQLDeleteIsPermanent(t *testing.T) {
	st := newTestSQL(t)
	ctx := context.Background()
	created, _ := st.Insert(ctx, domain.TaskDraft{Title: "t"})

	if err := st.DeleteByID(ctx, created.ID); err != nil {
		t.Fatalf("DeleteByID() error = %v", err)
	}
	var count int64
	if err := st.db.Unscoped().Model(&taskRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected row to be removed, found %d", count)
	}
	if err := st.DeleteByID(ctx, created.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLOperationsFailAfterClose(t *testing.T) {
	st := newTestSQL(t)
	if err := st.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := st.FindAll(context.Background())
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}
