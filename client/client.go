// Package client is a typed HTTP client for the TrackEarly task API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"trackearly-api/domain"
)

// Client wraps http.Client with helpers for the task endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a new Client. A nil httpClient uses a client with a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("trackearly: %d %s: %s", e.Status, e.Field, e.Message)
	}
	return fmt.Sprintf("trackearly: %d %s", e.Status, e.Message)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

// NewTask is the body of a create request.
type NewTask struct {
	Title     string     `json:"title"`
	Details   string     `json:"details,omitempty"`
	Completed bool       `json:"completed,omitempty"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
}

// TaskUpdate lists the fields to change. Nil fields are not sent, so the server
// leaves them untouched. ClearDueDate sends an explicit null due date.
type TaskUpdate struct {
	Title        *string
	Details      *string
	Completed    *bool
	DueDate      *time.Time
	ClearDueDate bool
}

func (u TaskUpdate) body() map[string]any {
	out := map[string]any{}
	if u.Title != nil {
		out["title"] = *u.Title
	}
	if u.Details != nil {
		out["details"] = *u.Details
	}
	if u.Completed != nil {
		out["completed"] = *u.Completed
	}
	switch {
	case u.ClearDueDate:
		out["dueDate"] = nil
	case u.DueDate != nil:
		out["dueDate"] = u.DueDate.UTC().Format(time.RFC3339Nano)
	}
	return out
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Count   int    `json:"count"`
	Error   string `json:"error"`
	Field   string `json:"field"`
}

func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	env, err := do[[]domain.Task](ctx, c, http.MethodGet, "/api/tasks", nil)
	if err != nil {
		return nil, err
	}
	if env.Data == nil {
		env.Data = []domain.Task{}
	}
	return env.Data, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (domain.Task, error) {
	env, err := do[domain.Task](ctx, c, http.MethodGet, taskPath(id), nil)
	return env.Data, err
}

func (c *Client) CreateTask(ctx context.Context, t NewTask) (domain.Task, error) {
	env, err := do[domain.Task](ctx, c, http.MethodPost, "/api/tasks", t)
	return env.Data, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, u TaskUpdate) (domain.Task, error) {
	env, err := do[domain.Task](ctx, c, http.MethodPut, taskPath(id), u.body())
	return env.Data, err
}

// ToggleTask flips the completion flag server side.
func (c *Client) ToggleTask(ctx context.Context, id string) (domain.Task, error) {
	env, err := do[domain.Task](ctx, c, http.MethodPatch, taskPath(id)+"/toggle", nil)
	return env.Data, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	_, err := do[struct{}](ctx, c, http.MethodDelete, taskPath(id), nil)
	return err
}

// DeleteCompletedTasks removes every completed task and returns how many were removed.
func (c *Client) DeleteCompletedTasks(ctx context.Context) (int, error) {
	env, err := do[struct{}](ctx, c, http.MethodDelete, "/api/tasks", nil)
	return env.Count, err
}

func taskPath(id string) string {
	return "/api/tasks/" + url.PathEscape(id)
}

func do[T any](ctx context.Context, c *Client, method, path string, body any) (envelope[T], error) {
	var env envelope[T]

	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return env, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return env, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return env, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var failure envelope[struct{}]
		if sonic.Unmarshal(data, &failure) == nil && failure.Error != "" {
			apiErr.Message = failure.Error
			apiErr.Field = failure.Field
		}
		return env, apiErr
	}
	if err := sonic.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return env, nil
}
