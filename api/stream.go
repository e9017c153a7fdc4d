package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// Broker fans task change notifications out to live stream subscribers. It
// satisfies storage.EventPublisher so it can sit next to the queue and Redis
// publishers.
type Broker struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan struct{}]struct{})}
}

// subscribe returns a channel that receives at most one pending signal, or
// false once the broker is closed.
func (b *Broker) subscribe() (chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	ch := make(chan struct{}, 1)
	b.subs[ch] = struct{}{}
	return ch, true
}

func (b *Broker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish signals every subscriber. Signals coalesce: a slow reader sees the
// latest list once, not every intermediate one.
func (b *Broker) Publish(_ context.Context, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close ends every open stream and rejects new subscribers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// RegisterStream adds GET /api/stream, a server-sent event stream carrying the
// full task list on connect and after every change.
func RegisterStream(e *echo.Echo, svc TaskService, broker *Broker, logger *log.Logger) {
	e.GET("/api/stream", streamTasks(svc, broker, logger))
}

func streamTasks(svc TaskService, broker *Broker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ch, ok := broker.subscribe()
		if !ok {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
		}
		defer broker.unsubscribe(ch)

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)

		ctx := c.Request().Context()
		for {
			tasks, err := svc.List(ctx)
			if err != nil {
				// Headers are already sent; the client reconnects.
				logger.WithError(err).Error("stream: list tasks")
				return nil
			}
			data, err := sonic.Marshal(tasks)
			if err != nil {
				logger.WithError(err).Error("stream: encode tasks")
				return nil
			}
			if _, err := res.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return nil
			}
			res.Flush()

			select {
			case <-ctx.Done():
				return nil
			case _, open := <-ch:
				if !open {
					return nil
				}
			}
		}
	}
}
