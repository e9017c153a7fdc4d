package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trackearly-api/domain"
)

const (
	tracerName       = "trackearly-api/api"
	tasksSpanName    = "tasks.request"
	tasksEventName   = "tasks.request.completed"
	tasksEventDomain = "trackearly.api"
	observabilityMsg = "observability.event"

	metricsContextKey = "trackearly.metrics"
)

type taskRequestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	route           string
	method          string
	serviceDuration time.Duration
	tasksReturned   int
	taskID          string
	errorStage      string
}

func newTaskRequestMetrics(ctx context.Context, logger *log.Logger, route, method string) (*taskRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, tasksSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &taskRequestMetrics{
		logger:        logger,
		span:          span,
		start:         time.Now(),
		route:         route,
		method:        method,
		tasksReturned: -1,
	}, spanCtx
}

// RequestMetrics opens a span per request and emits one observability event once
// the response has been written. Handler errors are rendered here so the final
// status is known.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			metrics, ctx := newTaskRequestMetrics(req.Context(), logger, c.Path(), req.Method)
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsContextKey, metrics)

			err := next(c)
			if err != nil {
				metrics.SetErrorStage(errorStage(err))
				c.Error(err)
			}
			metrics.Log(c.Response().Status, err)
			return nil
		}
	}
}

func metricsFrom(c echo.Context) *taskRequestMetrics {
	m, _ := c.Get(metricsContextKey).(*taskRequestMetrics)
	return m
}

func (m *taskRequestMetrics) ObserveService(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.serviceDuration = duration
}

func (m *taskRequestMetrics) SetTasksReturned(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *taskRequestMetrics) SetTaskID(id string) {
	if m == nil {
		return
	}
	m.taskID = id
}

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *taskRequestMetrics) attributes(status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.Float64("trackearly.tasks.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.serviceDuration > 0 {
		attrs = append(attrs, attribute.Float64("trackearly.tasks.service_ms", durationToMillis(m.serviceDuration)))
	}
	if m.tasksReturned >= 0 {
		attrs = append(attrs, attribute.Int("trackearly.tasks.tasks_returned", m.tasksReturned))
	}
	if m.taskID != "" {
		attrs = append(attrs, attribute.String("trackearly.tasks.task_id", m.taskID))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("trackearly.tasks.error_stage", m.errorStage))
	}
	return attrs
}

func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := m.attributes(status)
	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", tasksEventName),
			attribute.String("event.domain", tasksEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))
		if status >= http.StatusInternalServerError || (status == 0 && err != nil) {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityMsg)
	case "WARN":
		entry.Warn(observabilityMsg)
	default:
		entry.Info(observabilityMsg)
	}
}

// severityForStatus maps a response onto OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case status == 0 && err != nil:
		return "ERROR", 17
	default:
		return "INFO", 9
	}
}

func errorStage(err error) string {
	var ve *domain.ValidationError
	var se *domain.StorageError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.As(err, &se):
		return "storage"
	case errors.As(err, &he):
		return "request"
	default:
		return "internal"
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
