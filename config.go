package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	backendTable  = "table"
	backendSQLite = "sqlite"
	backendMemory = "memory"
)

type config struct {
	Port                    int
	Debug                   bool
	LogFormat               string
	StorageBackend          string
	StorageConnectionString string
	TasksTable              string
	StorageInit             bool
	SQLitePath              string
	RedisConnectionString   string
	TasksCacheTTL           time.Duration
	TaskEventsQueue         string
	TaskEventsChannel       string
	CORSAllowedOrigins      []string
	ShutdownTimeout         time.Duration
}

// loadConfig reads the service settings through getenv, applying defaults for
// unset variables and rejecting values that cannot be parsed.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		Port:                    5000,
		LogFormat:               "text",
		StorageBackend:          backendTable,
		StorageConnectionString: getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:              "tasks",
		SQLitePath:              "trackearly.db",
		RedisConnectionString:   getenv("REDIS_CONNECTION_STRING"),
		TasksCacheTTL:           30 * time.Second,
		TaskEventsQueue:         getenv("TASK_EVENTS_QUEUE"),
		TaskEventsChannel:       getenv("TASK_EVENTS_CHANNEL"),
		CORSAllowedOrigins:      []string{"*"},
		ShutdownTimeout:         30 * time.Second,
	}

	port := getenv("PORT")
	// Azure Functions custom handlers are told which port to bind.
	if v := getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); v != "" {
		port = v
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return config{}, fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Port = n
	}

	var err error
	if cfg.Debug, err = parseBool(getenv, "DEBUG"); err != nil {
		return config{}, err
	}
	if cfg.StorageInit, err = parseBool(getenv, "STORAGE_INIT"); err != nil {
		return config{}, err
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
		if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
			return config{}, fmt.Errorf("invalid LOG_FORMAT %q: must be text or json", v)
		}
	}
	if v := getenv("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = strings.ToLower(v)
	}
	if v := getenv("TASKS_TABLE"); v != "" {
		cfg.TasksTable = v
	}
	if v := getenv("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if cfg.TasksCacheTTL, err = parseDuration(getenv, "TASKS_CACHE_TTL", cfg.TasksCacheTTL); err != nil {
		return config{}, err
	}
	if cfg.ShutdownTimeout, err = parseDuration(getenv, "SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return config{}, err
	}
	if cfg.ShutdownTimeout == 0 {
		return config{}, errors.New("invalid SHUTDOWN_TIMEOUT: must be greater than zero")
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		if len(origins) > 0 {
			cfg.CORSAllowedOrigins = origins
		}
	}

	switch cfg.StorageBackend {
	case backendTable:
		if cfg.StorageConnectionString == "" {
			return config{}, errors.New("missing storage config: STORAGE_CONNECTION_STRING is required for the table backend")
		}
	case backendSQLite, backendMemory:
	default:
		return config{}, fmt.Errorf("invalid STORAGE_BACKEND %q: must be table, sqlite or memory", cfg.StorageBackend)
	}
	if cfg.TaskEventsQueue != "" && cfg.StorageConnectionString == "" {
		return config{}, errors.New("missing storage config: TASK_EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if cfg.TaskEventsChannel != "" && cfg.RedisConnectionString == "" {
		return config{}, errors.New("missing redis config: TASK_EVENTS_CHANNEL requires REDIS_CONNECTION_STRING")
	}
	return cfg, nil
}

func parseBool(getenv func(string) string, key string) (bool, error) {
	v := getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func parseDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

// parseRedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}
