package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc TaskService, logger *log.Logger) {
	g := e.Group("/api")
	g.GET("/health", health)

	tasks := g.Group("/tasks", RequestMetrics(logger))
	tasks.GET("", listTasks(svc))
	tasks.POST("", createTask(svc))
	tasks.DELETE("", deleteCompletedTasks(svc))
	tasks.GET("/:id", getTask(svc))
	tasks.PUT("/:id", updateTask(svc))
	tasks.DELETE("/:id", deleteTask(svc))
	tasks.PATCH("/:id/toggle", toggleTask(svc))
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Success:   true,
		Message:   healthMessage,
		Timestamp: time.Now().UTC(),
	})
}

func listTasks(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		start := time.Now()
		tasks, err := svc.List(c.Request().Context())
		metrics.ObserveService(time.Since(start))
		if err != nil {
			return err
		}
		metrics.SetTasksReturned(len(tasks))
		return c.JSON(http.StatusOK, dataResponse{Success: true, Data: tasks})
	}
}

func getTask(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		id := c.Param("id")
		metrics.SetTaskID(id)
		start := time.Now()
		task, err := svc.Get(c.Request().Context(), id)
		metrics.ObserveService(time.Since(start))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, dataResponse{Success: true, Data: task})
	}
}

func createTask(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		body, err := readBody(c)
		if err != nil {
			return err
		}
		draft, err := body.draft()
		if err != nil {
			return err
		}
		start := time.Now()
		task, err := svc.Create(c.Request().Context(), draft)
		metrics.ObserveService(time.Since(start))
		if err != nil {
			return err
		}
		metrics.SetTaskID(task.ID)
		return c.JSON(http.StatusCreated, dataResponse{Success: true, Data: task})
	}
}

func updateTask(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		id := c.Param("id")
		metrics.SetTaskID(id)
		body, err := readBody(c)
		if err != nil {
			return err
		}
		patch, err := body.patch()
		if err != nil {
			return err
		}
		start := time.Now()
		task, err := svc.Update(c.Request().Context(), id, patch)
		metrics.ObserveService(time.Since(start))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, dataResponse{Success: true, Data: task})
	}
}

func toggleTask(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		id := c.Param("id")
		metrics.SetTaskID(id)
		start := time.Now()
		task, err := svc.Toggle(c.Request().Context(), id)
		metrics.ObserveService(time.Since(start))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, dataResponse{Success: true, Data: task})
	}
}

func deleteTask(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		id := c.Param("id")
		metrics.SetTaskID(id)
		start := time.Now()
		err := svc.Delete(c.Request().Context(), id)
		metrics.ObserveService(time.Since(start))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, successResponse{Success: true})
	}
}

// deleteCompletedTasks removes completed tasks only; open tasks are never touched.
func deleteCompletedTasks(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		start := time.Now()
		n, err := svc.DeleteCompleted(c.Request().Context())
		metrics.ObserveService(time.Since(start))
		if err != nil {
			return err
		}
		metrics.SetTasksReturned(n)
		return c.JSON(http.StatusOK, countResponse{Success: true, Count: n})
	}
}
