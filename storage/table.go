package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"trackearly-api/domain"
)

const (
	tasksPartition     = "tasks"
	edmInt64           = "Edm.Int64"
	maxConflictRetries = 8
	// Azure rejects entity group transactions with more than 100 operations.
	maxTransactionSize = 100
)

// tableAPI is the subset of *aztables.Client used by Table.
type tableAPI interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// Table stores tasks in Azure Table Storage. Every task lives in one partition so
// the completed set can be removed with entity group transactions.
type Table struct {
	client    tableAPI
	partition string
}

// NewTable creates a Table backed by the named table of the storage account.
func NewTable(connStr, tableName string) (*Table, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return newTable(svc.NewClient(tableName)), nil
}

func newTable(client tableAPI) *Table {
	return &Table{client: client, partition: tasksPartition}
}

// EnsureTable creates the table unless it already exists.
func (s *Table) EnsureTable(ctx context.Context) error {
	if _, err := s.client.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	ETag          string  `json:"odata.etag,omitempty"`
	Title         string  `json:"Title"`
	Details       string  `json:"Details"`
	Completed     bool    `json:"Completed"`
	DueDate       *int64  `json:"DueDate,omitempty,string"`
	DueDateType   *string `json:"DueDate@odata.type,omitempty"`
	CreatedAt     int64   `json:"CreatedAt,string"`
	CreatedAtType string  `json:"CreatedAt@odata.type"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type"`
}

func newTaskEntity(partition string, t domain.Task) taskEntity {
	ent := taskEntity{
		entityKeys:    entityKeys{PartitionKey: partition, RowKey: t.ID},
		Title:         t.Title,
		Details:       t.Details,
		Completed:     t.Completed,
		CreatedAt:     t.CreatedAt.UnixMicro(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixMicro(),
		UpdatedAtType: edmInt64,
	}
	if t.DueDate != nil {
		due := t.DueDate.UnixMicro()
		typ := edmInt64
		ent.DueDate = &due
		ent.DueDateType = &typ
	}
	return ent
}

func (e taskEntity) task() domain.Task {
	t := domain.Task{
		ID:        e.RowKey,
		Title:     e.Title,
		Details:   e.Details,
		Completed: e.Completed,
		CreatedAt: time.UnixMicro(e.CreatedAt).UTC(),
		UpdatedAt: time.UnixMicro(e.UpdatedAt).UTC(),
	}
	if e.DueDate != nil {
		due := time.UnixMicro(*e.DueDate).UTC()
		t.DueDate = &due
	}
	return t
}

func decodeTaskEntity(data []byte) (taskEntity, error) {
	var ent taskEntity
	if err := sonic.ConfigStd.Unmarshal(data, &ent); err != nil {
		return taskEntity{}, fmt.Errorf("decode task entity: %w", err)
	}
	return ent, nil
}

func (s *Table) encode(t domain.Task) ([]byte, error) {
	return sonic.ConfigStd.Marshal(newTaskEntity(s.partition, t))
}

func (s *Table) Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	t := domain.NewTask(uuid.NewString(), draft, domain.Now())
	payload, err := s.encode(t)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.client.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, fmt.Errorf("add task entity: %w", err)
	}
	return t, nil
}

func (s *Table) FindAll(ctx context.Context) ([]domain.Task, error) {
	ents, err := s.list(ctx, "PartitionKey eq '"+s.partition+"'")
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ents))
	for _, e := range ents {
		tasks = append(tasks, e.task())
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func (s *Table) list(ctx context.Context, filter string) ([]taskEntity, error) {
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ents := []taskEntity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list task entities: %w", err)
		}
		for _, raw := range resp.Entities {
			ent, err := decodeTaskEntity(raw)
			if err != nil {
				return nil, err
			}
			ents = append(ents, ent)
		}
	}
	return ents, nil
}

func (s *Table) FindByID(ctx context.Context, id string) (domain.Task, error) {
	t, _, err := s.get(ctx, id)
	return t, err
}

func (s *Table) get(ctx context.Context, id string) (domain.Task, azcore.ETag, error) {
	if !validRowKey(id) {
		return domain.Task{}, "", domain.ErrNotFound
	}
	resp, err := s.client.GetEntity(ctx, s.partition, id, nil)
	if err != nil {
		if status, _ := responseStatus(err); status == http.StatusNotFound {
			return domain.Task{}, "", domain.ErrNotFound
		}
		return domain.Task{}, "", fmt.Errorf("get task entity: %w", err)
	}
	ent, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, "", err
	}
	return ent.task(), resp.ETag, nil
}

func (s *Table) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	return s.mutate(ctx, id, patch.Apply)
}

func (s *Table) Toggle(ctx context.Context, id string) (domain.Task, error) {
	return s.mutate(ctx, id, func(t *domain.Task) { t.Completed = !t.Completed })
}

// mutate performs an optimistic read-modify-write. The replace is conditional on
// the ETag that was read, so a concurrent writer forces another round instead of
// being overwritten.
func (s *Table) mutate(ctx context.Context, id string, change func(*domain.Task)) (domain.Task, error) {
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		t, etag, err := s.get(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		change(&t)
		t.UpdatedAt = domain.Now()
		payload, err := s.encode(t)
		if err != nil {
			return domain.Task{}, err
		}
		_, err = s.client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err == nil {
			return t, nil
		}
		switch status, _ := responseStatus(err); status {
		case http.StatusPreconditionFailed:
			log.WithFields(log.Fields{"task": id, "attempt": attempt}).Debug("task changed concurrently, retrying")
		case http.StatusNotFound:
			return domain.Task{}, domain.ErrNotFound
		default:
			return domain.Task{}, fmt.Errorf("update task entity: %w", err)
		}
	}
	return domain.Task{}, domain.ErrConcurrencyConflict
}

func (s *Table) DeleteByID(ctx context.Context, id string) error {
	if !validRowKey(id) {
		return domain.ErrNotFound
	}
	et := azcore.ETagAny
	if _, err := s.client.DeleteEntity(ctx, s.partition, id, &aztables.DeleteEntityOptions{IfMatch: &et}); err != nil {
		if status, _ := responseStatus(err); status == http.StatusNotFound {
			return domain.ErrNotFound
		}
		return fmt.Errorf("delete task entity: %w", err)
	}
	return nil
}

// DeleteCompleted removes completed tasks in entity group transactions. Each delete
// is pinned to the ETag seen while listing, so a task reopened in the meantime makes
// its transaction fail as a whole; the remaining completed set is then listed again.
func (s *Table) DeleteCompleted(ctx context.Context) (int, error) {
	filter := "PartitionKey eq '" + s.partition + "' and Completed eq true"
	total := 0
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		ents, err := s.list(ctx, filter)
		if err != nil {
			return total, err
		}
		if len(ents) == 0 {
			return total, nil
		}
		conflict := false
		for start := 0; start < len(ents); start += maxTransactionSize {
			end := min(start+maxTransactionSize, len(ents))
			actions, err := s.deleteActions(ents[start:end])
			if err != nil {
				return total, err
			}
			if _, err := s.client.SubmitTransaction(ctx, actions, nil); err != nil {
				if isWriteConflict(err) {
					conflict = true
					continue
				}
				return total, fmt.Errorf("delete completed tasks: %w", err)
			}
			total += end - start
		}
		if !conflict {
			return total, nil
		}
		log.WithFields(log.Fields{"attempt": attempt, "deleted": total}).Debug("completed set changed during delete, retrying")
	}
	return total, domain.ErrConcurrencyConflict
}

func (s *Table) deleteActions(ents []taskEntity) ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, len(ents))
	for _, e := range ents {
		payload, err := sonic.ConfigStd.Marshal(entityKeys{PartitionKey: s.partition, RowKey: e.RowKey})
		if err != nil {
			return nil, err
		}
		etag := azcore.ETag(e.ETag)
		if etag == "" {
			etag = azcore.ETagAny
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeDelete,
			Entity:     payload,
			IfMatch:    &etag,
		})
	}
	return actions, nil
}

func responseStatus(err error) (int, string) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, respErr.ErrorCode
	}
	return 0, ""
}

func isWriteConflict(err error) bool {
	status, code := responseStatus(err)
	switch {
	case status == http.StatusPreconditionFailed, status == http.StatusNotFound:
		return true
	case code == "UpdateConditionNotSatisfied", code == "ResourceNotFound":
		return true
	}
	return false
}

// validRowKey reports whether id can be used as a RowKey. Keys Azure would reject
// cannot name a stored task.
func validRowKey(id string) bool {
	if id == "" || len(id) > 1024 {
		return false
	}
	for _, r := range id {
		switch {
		case r == '/', r == '\\', r == '#', r == '?':
			return false
		case r < 0x20, r >= 0x7f && r <= 0x9f:
			return false
		}
	}
	return true
}
