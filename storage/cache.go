package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"trackearly-api/domain"
)

const tasksCacheKey = "tasks:all"

// Cache wraps a TaskStore with a Redis copy of the task list. Only FindAll is
// served from Redis; every mutation evicts the cached list.
type Cache struct {
	base  domain.TaskStore
	redis *redis.Client
	ttl   time.Duration
	group singleflight.Group

	// gen counts evictions; a list loaded before an eviction is never written back.
	mu  sync.Mutex
	gen uint64
}

// NewCache creates a caching TaskStore using the provided Redis client and TTL.
func NewCache(base domain.TaskStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FindAll(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx); ok {
		return tasks, nil
	}

	gen := c.generation()
	v, err, _ := c.group.Do(fmt.Sprintf("%s:%d", tasksCacheKey, gen), func() (any, error) {
		// Joined callers must not inherit the first caller's cancellation.
		loadCtx := context.WithoutCancel(ctx)
		tasks, err := c.base.FindAll(loadCtx)
		if err != nil {
			return nil, err
		}
		c.storeTasks(loadCtx, gen, tasks)
		return tasks, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]domain.Task)
	return append(make([]domain.Task, 0, len(shared)), shared...), nil
}

func (c *Cache) FindByID(ctx context.Context, id string) (domain.Task, error) {
	return c.base.FindByID(ctx, id)
}

func (c *Cache) Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	t, err := c.base.Insert(ctx, draft)
	c.evictAfter(ctx, err)
	return t, err
}

func (c *Cache) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	t, err := c.base.Update(ctx, id, patch)
	c.evictAfter(ctx, err)
	return t, err
}

func (c *Cache) Toggle(ctx context.Context, id string) (domain.Task, error) {
	t, err := c.base.Toggle(ctx, id)
	c.evictAfter(ctx, err)
	return t, err
}

func (c *Cache) DeleteByID(ctx context.Context, id string) error {
	err := c.base.DeleteByID(ctx, id)
	c.evictAfter(ctx, err)
	return err
}

func (c *Cache) DeleteCompleted(ctx context.Context) (int, error) {
	n, err := c.base.DeleteCompleted(ctx)
	c.evictAfter(ctx, err)
	return n, err
}

func (c *Cache) enabled() bool {
	return c.redis != nil && c.ttl > 0
}

func (c *Cache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Cache) loadTasks(ctx context.Context) ([]domain.Task, bool) {
	if !c.enabled() {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithError(err).Warn("tasks cache read failed")
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		log.WithError(err).Warn("discarding unreadable tasks cache entry")
		_ = c.redis.Del(ctx, tasksCacheKey).Err()
		return nil, false
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, gen uint64, tasks []domain.Task) {
	if !c.enabled() {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	if err := c.redis.Set(ctx, tasksCacheKey, data, c.ttl).Err(); err != nil {
		log.WithError(err).Warn("tasks cache write failed")
	}
}

// evictAfter drops the cached list unless the mutation provably changed nothing.
func (c *Cache) evictAfter(ctx context.Context, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if !c.enabled() {
		return
	}
	// The mutation has committed; a cancelled request must still evict.
	if err := c.redis.Del(context.WithoutCancel(ctx), tasksCacheKey).Err(); err != nil {
		log.WithError(err).Warn("tasks cache eviction failed")
	}
}
