// Package metrics exposes Prometheus collectors for follow-up scheduling,
// reminder dispatch and HTTP traffic.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caseflow"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	schedulesCreated   *prometheus.CounterVec
	remindersSent      *prometheus.CounterVec
	dispatchFailures   *prometheus.CounterVec
	sweepRuns          *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// MustNewMetrics registers the collectors with reg. Collectors that are
// already registered are reused. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		schedulesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "schedules_created_total",
			Help:      "Follow-up schedules created at intake, by provider type.",
		}, []string{"provider_type"}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "reminders_dispatched_total",
			Help:      "Reminders dispatched, by delivery method and task kind.",
		}, []string{"method", "kind"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "dispatch_failures_total",
			Help:      "Reminder dispatches that failed after retries, by delivery method.",
		}, []string{"method"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Reminder sweep runs, by outcome.",
		}, []string{"status"}),
		httpRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	m.schedulesCreated = registerCounterVec(reg, m.schedulesCreated)
	m.remindersSent = registerCounterVec(reg, m.remindersSent)
	m.dispatchFailures = registerCounterVec(reg, m.dispatchFailures)
	m.sweepRuns = registerCounterVec(reg, m.sweepRuns)
	if err := reg.Register(m.httpRequestSeconds); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
		m.httpRequestSeconds = already.ExistingCollector.(*prometheus.HistogramVec)
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

// IncScheduleCreated counts a schedule created for providerType.
func (m *Metrics) IncScheduleCreated(providerType string) {
	if m == nil {
		return
	}
	m.schedulesCreated.WithLabelValues(providerType).Inc()
}

// IncReminderSent counts a successful dispatch.
func (m *Metrics) IncReminderSent(method, kind string) {
	if m == nil {
		return
	}
	m.remindersSent.WithLabelValues(method, kind).Inc()
}

// IncDispatchFailure counts a failed dispatch.
func (m *Metrics) IncDispatchFailure(method string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(method).Inc()
}

// IncSweepRun counts a sweeper run with status "ok" or "error".
func (m *Metrics) IncSweepRun(status string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(status).Inc()
}

// ObserveHTTP records one request's latency.
func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestSeconds.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// Middleware returns echo middleware that observes request latency. The
// route label is the matched path template, not the raw URL.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			code := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					code = he.Code
				} else if code < http.StatusBadRequest {
					code = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(c.Request().Method, route, code, time.Since(start))
			return err
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	g := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		g = m.gatherer
	}
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
