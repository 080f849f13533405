package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.ObserveRequest("GET", "/tokens/:id", "ok", 10*time.Millisecond)
	c.ObserveRequest("GET", "/tokens/:id", "ok", 20*time.Millisecond)
	c.ObserveRequest("POST", "/sessions", "network", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("GET", "/tokens/:id", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("POST", "/sessions", "network")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.latency))
}

func TestObserveSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.ObserveRefresh(RefreshFresh)
	c.ObserveRefresh(RefreshRefreshed)
	c.ObserveRefresh(RefreshRefreshed)
	c.ObserveState("authenticated")
	c.ObserveState("unauthenticated")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.refreshes.WithLabelValues(RefreshRefreshed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("unauthenticated")))
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	require.NoError(t, err)
	b, err := New(reg)
	require.NoError(t, err)

	a.ObserveRefresh(RefreshFresh)
	b.ObserveRefresh(RefreshFresh)
	assert.Equal(t, 2.0, testutil.ToFloat64(b.refreshes.WithLabelValues(RefreshFresh)))
}

func TestNilRegistererDoesNotRegister(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	c.ObserveRequest("GET", "/statuses", "ok", time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("GET", "/statuses", "ok")))
}

func TestNilCollector(t *testing.T) {
	// A nil collector should not panic.
	var c *Collector
	c.ObserveRequest("GET", "/", "ok", 0)
	c.ObserveRefresh(RefreshFailed)
	c.ObserveState("unknown")
}

func TestRefreshFailureSpikeAlert(t *testing.T) {
	var mu sync.Mutex
	var alerts []AlertEvent
	c, err := New(prometheus.NewRegistry(),
		WithRefreshFailureThreshold(3, time.Minute),
		WithAlertFunc(func(e AlertEvent) {
			mu.Lock()
			alerts = append(alerts, e)
			mu.Unlock()
		}))
	require.NoError(t, err)

	c.ObserveRefresh(RefreshFailed)
	c.ObserveRefresh(RefreshFailed)
	c.ObserveRefresh(RefreshFresh)
	mu.Lock()
	assert.Empty(t, alerts, "no alert below threshold")
	mu.Unlock()

	c.ObserveRefresh(RefreshFailed)
	mu.Lock()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRefreshFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
	mu.Unlock()
}

func TestRateLimitSpikeAlert(t *testing.T) {
	var alerts []AlertEvent
	c, err := New(prometheus.NewRegistry(),
		WithRateLimitThreshold(2, time.Minute),
		WithAlertFunc(func(e AlertEvent) { alerts = append(alerts, e) }))
	require.NoError(t, err)

	c.ObserveRequest("POST", "/email/requests", "rate_limited", 0)
	c.ObserveRequest("POST", "/email/requests", "ok", 0)
	assert.Empty(t, alerts)
	c.ObserveRequest("POST", "/email/requests", "rate_limited", 0)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRateLimitSpike, alerts[0].Type)
}

func TestSlidingWindowExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var alerts []AlertEvent
	c, err := New(prometheus.NewRegistry(),
		WithClock(func() time.Time { return now }),
		WithRefreshFailureThreshold(2, time.Minute),
		WithAlertFunc(func(e AlertEvent) { alerts = append(alerts, e) }))
	require.NoError(t, err)

	c.ObserveRefresh(RefreshFailed)
	now = now.Add(2 * time.Minute)
	c.ObserveRefresh(RefreshFailed)
	assert.Empty(t, alerts, "first failure slid out of the window")

	c.ObserveRefresh(RefreshFailed)
	assert.Len(t, alerts, 1)
}

func TestTrimWindow(t *testing.T) {
	base := time.Unix(0, 0)
	times := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}
	got := trimWindow(times, base.Add(2*time.Second), 1500*time.Millisecond)
	assert.Equal(t, times[1:], got)
}
