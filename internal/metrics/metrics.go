// Package metrics exposes Prometheus instrumentation for the SDK: remote API
// calls, session refreshes and session state transitions. It also watches
// for bursts of failures and reports them through an AlertFunc.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace is the Prometheus namespace for all SDK metrics.
	Namespace = "nopwd"

	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelOutcome = "outcome"
	LabelState   = "state"

	// Refresh outcomes.
	RefreshFresh     = "fresh"
	RefreshRefreshed = "refreshed"
	RefreshExpired   = "expired"
	RefreshFailed    = "failed"
	RefreshDeferred  = "deferred"

	outcomeRateLimited = "rate_limited"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertRefreshFailureSpike AlertType = "refresh_failure_spike"
	AlertRateLimitSpike      AlertType = "rate_limit_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultFailureWindow    = 5 * time.Minute
	defaultFailureThreshold = 5
	defaultQuotaWindow      = 1 * time.Minute
	defaultQuotaThreshold   = 10
)

// Collector records SDK metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	refreshes   *prometheus.CounterVec
	transitions *prometheus.CounterVec

	mu               sync.Mutex
	now              func() time.Time
	alertFn          AlertFunc
	failures         []time.Time
	failureWindow    time.Duration
	failureThreshold int
	quotas           []time.Time
	quotaWindow      time.Duration
	quotaThreshold   int
}

// Option configures a Collector.
type Option func(*Collector)

// WithAlertFunc sets the callback for failure bursts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(c *Collector) { c.alertFn = fn }
}

// WithRefreshFailureThreshold alerts once threshold refresh failures occur
// within window.
func WithRefreshFailureThreshold(threshold int, window time.Duration) Option {
	return func(c *Collector) {
		c.failureThreshold = threshold
		c.failureWindow = window
	}
}

// WithRateLimitThreshold alerts once threshold rate limited requests occur
// within window.
func WithRateLimitThreshold(threshold int, window time.Duration) Option {
	return func(c *Collector) {
		c.quotaThreshold = threshold
		c.quotaWindow = window
	}
}

// WithClock overrides the time source used for alert windows.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a Collector and registers it with reg. Collectors that are
// already registered (for example by a second SDK instance in the same
// process) are reused.
func New(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	c := &Collector{
		now:              time.Now,
		failureWindow:    defaultFailureWindow,
		failureThreshold: defaultFailureThreshold,
		quotaWindow:      defaultQuotaWindow,
		quotaThreshold:   defaultQuotaThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.requests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Remote API requests by method, route and outcome",
	}, []string{LabelMethod, LabelRoute, LabelOutcome})); err != nil {
		return nil, err
	}
	if c.latency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Remote API request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{LabelMethod, LabelRoute})); err != nil {
		return nil, err
	}
	if c.refreshes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "session",
		Name:      "refreshes_total",
		Help:      "Session lookups by refresh outcome",
	}, []string{LabelOutcome})); err != nil {
		return nil, err
	}
	if c.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "session",
		Name:      "state_transitions_total",
		Help:      "Session state broadcasts by resulting state",
	}, []string{LabelState})); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if reg == nil {
		return col, nil
	}
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return col, nil
}

// ObserveRequest records one remote API call.
func (c *Collector) ObserveRequest(method, route, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, outcome).Inc()
	c.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
	if outcome == outcomeRateLimited {
		c.recordQuota()
	}
}

// ObserveRefresh records the outcome of a session lookup.
func (c *Collector) ObserveRefresh(outcome string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
	if outcome == RefreshFailed {
		c.recordFailure()
	}
}

// ObserveState records a session state broadcast.
func (c *Collector) ObserveState(state string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(state).Inc()
}

func (c *Collector) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alertFn == nil {
		return
	}

	now := c.now()
	c.failures = append(c.failures, now)
	c.failures = trimWindow(c.failures, now, c.failureWindow)

	if len(c.failures) >= c.failureThreshold {
		c.alertFn(AlertEvent{
			Type:      AlertRefreshFailureSpike,
			Message:   "session refresh failures exceed threshold",
			Count:     len(c.failures),
			Threshold: c.failureThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		c.failures = c.failures[:0]
	}
}

func (c *Collector) recordQuota() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alertFn == nil {
		return
	}

	now := c.now()
	c.quotas = append(c.quotas, now)
	c.quotas = trimWindow(c.quotas, now, c.quotaWindow)

	if len(c.quotas) >= c.quotaThreshold {
		c.alertFn(AlertEvent{
			Type:      AlertRateLimitSpike,
			Message:   "rate limited requests exceed threshold",
			Count:     len(c.quotas),
			Threshold: c.quotaThreshold,
			Timestamp: now,
		})
		c.quotas = c.quotas[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
