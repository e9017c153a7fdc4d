package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"trackearly-api/api"
	"trackearly-api/domain"
	"trackearly-api/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	configureLogging(cfg)
	logger := log.StandardLogger()

	ctx := context.Background()
	ops := map[string]gfshutdown.Operation{}
	serverDone := make(chan struct{})
	afterServer := func(release func() error) gfshutdown.Operation {
		return func(ctx context.Context) error {
			select {
			case <-serverDone:
			case <-ctx.Done():
			}
			return release()
		}
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	if closeStore != nil {
		ops["sqlite"] = afterServer(closeStore)
	}

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		rc = redis.NewClient(parseRedisOptions(cfg.RedisConnectionString))
		ops["redis"] = afterServer(rc.Close)
	}
	if rc != nil && cfg.TasksCacheTTL > 0 {
		store = storage.NewCache(store, rc, cfg.TasksCacheTTL)
	}

	publishers, err := openPublishers(ctx, cfg, rc)
	if err != nil {
		log.Fatalf("events: %v", err)
	}
	broker := api.NewBroker()
	store = storage.NewPublishing(store, logger, append(publishers, broker)...)

	svc := domain.NewTaskService(store)
	e := newServer(cfg, svc, logger)
	api.RegisterStream(e, svc, broker, logger)
	addr := ":" + strconv.Itoa(cfg.Port)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()
	ops["http-server"] = func(ctx context.Context) error {
		defer close(serverDone)
		broker.Close()
		return e.Shutdown(ctx)
	}

	log.WithFields(log.Fields{
		"addr":    addr,
		"backend": cfg.StorageBackend,
		"cache":   rc != nil && cfg.TasksCacheTTL > 0,
		"events":  len(publishers),
	}).Info("TrackEarly API started")

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, ops)
	exitCode := <-wait
	log.WithField("code", exitCode).Info("TrackEarly API stopped")
	os.Exit(exitCode)
}

func configureLogging(cfg config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

// openStore builds the configured backing store. The returned release func is
// non-nil when the store holds a handle that must be closed on shutdown.
func openStore(ctx context.Context, cfg config) (domain.TaskStore, func() error, error) {
	switch cfg.StorageBackend {
	case backendMemory:
		log.Warn("using in-memory storage; tasks are lost on restart")
		return storage.NewMemory(), nil, nil
	case backendSQLite:
		st, err := storage.OpenSQL(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { return st.Close(context.Background()) }, nil
	default:
		st, err := storage.NewTable(cfg.StorageConnectionString, cfg.TasksTable)
		if err != nil {
			return nil, nil, err
		}
		if cfg.StorageInit {
			if err := st.EnsureTable(ctx); err != nil {
				return nil, nil, err
			}
		}
		return st, nil, nil
	}
}

func openPublishers(ctx context.Context, cfg config, rc *redis.Client) ([]storage.EventPublisher, error) {
	var publishers []storage.EventPublisher
	if cfg.TaskEventsQueue != "" {
		qp, err := storage.NewQueuePublisher(cfg.StorageConnectionString, cfg.TaskEventsQueue)
		if err != nil {
			return nil, err
		}
		if cfg.StorageInit {
			if err := qp.EnsureQueue(ctx); err != nil {
				return nil, err
			}
		}
		publishers = append(publishers, qp)
	}
	if cfg.TaskEventsChannel != "" && rc != nil {
		publishers = append(publishers, storage.NewRedisPublisher(rc, cfg.TaskEventsChannel))
	}
	return publishers, nil
}

func newServer(cfg config, svc api.TaskService, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = api.JSONSerializer{}
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSAllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding},
	}))
	e.Use(middleware.Decompress())
	e.Use(middleware.BodyLimit("64K"))

	api.Register(e, svc, logger)
	return e
}
