package status_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/api"
	"github.com/jmcleod/nopwd/status"
)

func TestHealth(t *testing.T) {
	tests := []struct {
		st   status.Status
		want status.Health
	}{
		{status.Status{}, status.HealthNoData},
		{status.Status{ErrorCount: 3}, status.HealthDown},
		{status.Status{SuccessCount: 5, ErrorCount: 1}, status.HealthDisrupted},
		{status.Status{SuccessCount: 5}, status.HealthOperational},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.st.Health(), "%+v", tt.st)
	}
	assert.Equal(t, "no_data", status.HealthNoData.String())
	assert.Equal(t, "disrupted", status.HealthDisrupted.String())
}

func TestGet(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]status.Status{{Scope: "email", DayID: 20000, SuccessCount: 7}})
	}))
	defer srv.Close()

	c := status.NewClient(api.New(srv.URL))
	out, err := c.Get(context.Background(), status.Query{Scope: "email", Limit: 3})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(7), out[0].SuccessCount)
	assert.Equal(t, "/statuses/email", gotPath)
	assert.Equal(t, "limit=3", gotQuery)

	_, err = c.Get(context.Background(), status.Query{})
	require.NoError(t, err)
	assert.Equal(t, "/statuses", gotPath)
	assert.Empty(t, gotQuery)
}

func TestGetErrors(t *testing.T) {
	code := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer srv.Close()
	c := status.NewClient(api.New(srv.URL))

	_, err := c.Get(context.Background(), status.Query{})
	assert.ErrorIs(t, err, nopwd.ErrQuota)

	code = http.StatusInternalServerError
	_, err = c.Get(context.Background(), status.Query{})
	var unexpected *nopwd.UnexpectedError
	assert.ErrorAs(t, err, &unexpected)
}

func TestPollContinuesAfterTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode([]status.Status{{DayID: 1, SuccessCount: 1}})
	}))
	defer srv.Close()
	c := status.NewClient(api.New(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		mu      sync.Mutex
		results []error
	)
	err := c.Poll(ctx, 10*time.Millisecond, status.Query{}, func(st []status.Status, err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, err)
		if len(results) == 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.ErrorIs(t, results[0], nopwd.ErrQuota)
	assert.NoError(t, results[1])
	assert.NoError(t, results[2])
}

func TestPollStopsOnUnexpectedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := status.NewClient(api.New(srv.URL))

	var seen int
	err := c.Poll(context.Background(), time.Millisecond, status.Query{}, func([]status.Status, error) { seen++ })
	assert.Error(t, err)
	assert.Equal(t, 1, seen)
}

func TestHistory(t *testing.T) {
	h := status.NewHistory(2)
	h.Add(status.Status{DayID: 1, SuccessCount: 1})
	h.Add(status.Status{DayID: 2, SuccessCount: 1})
	h.Add(status.Status{DayID: 2, SuccessCount: 4, ErrorCount: 1})

	got := h.Statuses()
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].DayID)
	assert.Equal(t, int64(4), got[0].SuccessCount, "same day replaces the head")
	assert.Equal(t, []status.Health{status.HealthDisrupted, status.HealthOperational}, h.Health())

	h.Add(status.Status{DayID: 3})
	got = h.Statuses()
	require.Len(t, got, 2)
	assert.Equal(t, []int64{3, 2}, []int64{got[0].DayID, got[1].DayID})

	h.Reset()
	assert.Empty(t, h.Statuses())
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "ws://api.example/status", status.StreamURL("ws://api.example/", status.Query{}))
	assert.Equal(t, "wss://api.example/status/email?limit=5",
		status.StreamURL("wss://api.example", status.Query{Scope: "email", Limit: 5}))
}
