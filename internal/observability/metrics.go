package observability

import (
	"context"
	"net/http"
	"time"

	"go_rex/internal/pulltask"

	"github.com/gin-gonic/gin"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the HTTP and task metrics
type Metrics struct {
	meter metric.Meter
	now   func() time.Time

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	TasksStarted        metric.Int64Counter
	TasksFinalized      metric.Int64Counter
	TasksStopped        metric.Int64Counter
	TasksActive         metric.Int64UpDownCounter
	TaskDuration        metric.Float64Histogram
	EventsReceived      metric.Int64Counter
	NotificationsFailed metric.Int64Counter
}

// NewMetrics creates the meter on a dedicated Prometheus registry and returns the scrape handler
func NewMetrics() (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("go_rex")
	m := &Metrics{meter: meter, now: time.Now}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksStarted, err = meter.Int64Counter(
		"pull_tasks_started_total",
		metric.WithDescription("Total number of pull tasks started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksFinalized, err = meter.Int64Counter(
		"pull_tasks_finalized_total",
		metric.WithDescription("Total number of pull tasks finalized"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksStopped, err = meter.Int64Counter(
		"pull_tasks_stopped_total",
		metric.WithDescription("Total number of pull tasks stopped"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter(
		"pull_tasks_active",
		metric.WithDescription("Number of pull tasks started and not yet stopped"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram(
		"pull_task_duration_seconds",
		metric.WithDescription("Time from start to finalize of a pull task"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventsReceived, err = meter.Int64Counter(
		"pull_task_events_total",
		metric.WithDescription("Total number of agent events applied to tasks"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationsFailed, err = meter.Int64Counter(
		"pull_task_notifications_failed_total",
		metric.WithDescription("Total number of host notifications that could not be published"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		routeAttr(route),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// TaskUpdated records a task transition
func (m *Metrics) TaskUpdated(ctx context.Context, change pulltask.Change) {
	variant := metric.WithAttributes(variantAttr(string(change.State.Variant)))

	switch change.Kind {
	case pulltask.ChangeStarted:
		m.TasksStarted.Add(ctx, 1, variant)
		m.TasksActive.Add(ctx, 1, variant)
	case pulltask.ChangeNotifyFailed:
		m.NotificationsFailed.Add(ctx, 1, variant)
	case pulltask.ChangeEvent:
		m.EventsReceived.Add(ctx, 1, variant)
	case pulltask.ChangeFinalized:
		attrs := metric.WithAttributes(variantAttr(string(change.State.Variant)), successAttr(change.Err == nil))
		m.TasksFinalized.Add(ctx, 1, attrs)
		if !change.State.CreatedAt.IsZero() {
			m.TaskDuration.Record(ctx, m.now().Sub(change.State.CreatedAt).Seconds(), attrs)
		}
	case pulltask.ChangeStopped:
		m.TasksStopped.Add(ctx, 1, variant)
		m.TasksActive.Add(ctx, -1, variant)
	}
}

// GinMiddleware records HTTP request metrics
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Seconds())
	}
}
