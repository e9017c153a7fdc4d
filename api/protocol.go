package api

import "time"

const maxBodySize = 64 * 1024 // 64 KiB

const (
	healthMessage   = "TrackEarly API is running"
	notFoundMessage = "Task not found"
	internalMessage = "Something went wrong!"
)

// GET, POST, PUT /api/tasks[/:id] and PATCH /api/tasks/:id/toggle response body
type dataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// DELETE /api/tasks response body
type countResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// DELETE /api/tasks/:id response body
type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
}

// GET /api/health response body
type healthResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
