package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"trackearly-api/domain"
)

// EventPublisher delivers an encoded TaskEvent somewhere.
type EventPublisher interface {
	Publish(ctx context.Context, payload []byte) error
}

type queueAPI interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueuePublisher writes task events to an Azure Storage queue.
type QueuePublisher struct {
	queue queueAPI
}

// NewQueuePublisher creates a publisher for the named queue.
func NewQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 30,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueuePublisher{queue: q}, nil
}

// EnsureQueue creates the queue if it does not exist yet.
func (p *QueuePublisher) EnsureQueue(ctx context.Context) error {
	if _, err := p.queue.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

func (p *QueuePublisher) Publish(ctx context.Context, payload []byte) error {
	_, err := p.queue.EnqueueMessage(ctx, string(payload), nil)
	return err
}

// RedisPublisher broadcasts task events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, payload []byte) error {
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Publishing wraps a TaskStore and emits a TaskEvent after every committed
// mutation. Delivery is best-effort: publish failures are logged and never
// returned to the caller.
type Publishing struct {
	base       domain.TaskStore
	logger     *log.Logger
	publishers []EventPublisher
}

func NewPublishing(base domain.TaskStore, logger *log.Logger, publishers ...EventPublisher) *Publishing {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Publishing{base: base, logger: logger, publishers: publishers}
}

func (p *Publishing) FindAll(ctx context.Context) ([]domain.Task, error) {
	return p.base.FindAll(ctx)
}

func (p *Publishing) FindByID(ctx context.Context, id string) (domain.Task, error) {
	return p.base.FindByID(ctx, id)
}

func (p *Publishing) Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	t, err := p.base.Insert(ctx, draft)
	if err == nil {
		p.publishTask(ctx, domain.TaskCreated, t)
	}
	return t, err
}

func (p *Publishing) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	t, err := p.base.Update(ctx, id, patch)
	if err == nil {
		p.publishTask(ctx, domain.TaskUpdated, t)
	}
	return t, err
}

func (p *Publishing) Toggle(ctx context.Context, id string) (domain.Task, error) {
	t, err := p.base.Toggle(ctx, id)
	if err == nil {
		p.publishTask(ctx, domain.TaskToggled, t)
	}
	return t, err
}

func (p *Publishing) DeleteByID(ctx context.Context, id string) error {
	err := p.base.DeleteByID(ctx, id)
	if err == nil {
		p.publish(ctx, domain.TaskEvent{Type: domain.TaskDeleted, TaskID: id, Time: domain.Now()})
	}
	return err
}

func (p *Publishing) DeleteCompleted(ctx context.Context) (int, error) {
	n, err := p.base.DeleteCompleted(ctx)
	if err == nil && n > 0 {
		p.publish(ctx, domain.TaskEvent{Type: domain.CompletedTasksDeleted, Count: n, Time: domain.Now()})
	}
	return n, err
}

func (p *Publishing) publishTask(ctx context.Context, typ domain.TaskEventType, t domain.Task) {
	p.publish(ctx, domain.TaskEvent{Type: typ, TaskID: t.ID, Task: &t, Time: t.UpdatedAt})
}

func (p *Publishing) publish(ctx context.Context, ev domain.TaskEvent) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		p.logger.WithError(err).WithField("type", ev.Type).Error("failed to encode task event")
		return
	}
	// The mutation is already committed; a cancelled request must not drop its event.
	ctx = context.WithoutCancel(ctx)
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, payload); err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"type":    ev.Type,
				"task_id": ev.TaskID,
			}).Warn("failed to publish task event")
		}
	}
}
