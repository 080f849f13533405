// Package status reads the service's per-day health counters, either on
// demand, by polling, or as a live websocket stream.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/api"
)

// Status is the aggregate of one scope's calls for one day.
type Status struct {
	SuccessCount  int64  `json:"success_count"`
	ErrorCount    int64  `json:"error_count"`
	TotalExecTime int64  `json:"total_exec_time"`
	Scope         string `json:"scope"`
	DayID         int64  `json:"day_id"`
}

// Health is the traffic-light reading of a Status.
type Health int

const (
	HealthNoData Health = iota
	HealthDown
	HealthDisrupted
	HealthOperational
)

func (h Health) String() string {
	switch h {
	case HealthDown:
		return "down"
	case HealthDisrupted:
		return "disrupted"
	case HealthOperational:
		return "operational"
	default:
		return "no_data"
	}
}

// Health classifies s: no calls at all is NoData, no successful call is
// Down, any error is Disrupted.
func (s Status) Health() Health {
	switch {
	case s.SuccessCount+s.ErrorCount == 0:
		return HealthNoData
	case s.SuccessCount == 0:
		return HealthDown
	case s.ErrorCount > 0:
		return HealthDisrupted
	default:
		return HealthOperational
	}
}

// Query selects statuses. An empty Scope means all scopes; a zero Limit
// lets the service choose.
type Query struct {
	Scope string
	Limit int
}

func (q Query) resource(root string) string {
	if q.Scope == "" {
		return api.Path(root)
	}
	return api.Path(root, q.Scope)
}

func (q Query) values() url.Values {
	if q.Limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(q.Limit)}}
}

// Client reads statuses over REST.
type Client struct {
	api    *api.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a status Client.
func NewClient(gw *api.Client, opts ...Option) *Client {
	c := &Client{api: gw, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "status")
	return c
}

// Get fetches the statuses matching q, newest first.
func (c *Client) Get(ctx context.Context, q Query) ([]Status, error) {
	var out []Status
	err := c.api.Do(ctx, api.Request{
		Method:   http.MethodGet,
		Resource: q.resource("statuses"),
		Query:    q.values(),
	}, &out)
	if err != nil {
		if perr := nopwd.Propagate(err); perr != nil {
			return nil, perr
		}
		return nil, nopwd.Unexpected(err)
	}
	return out, nil
}

// Poll calls Get immediately and then every interval until ctx is done,
// passing each result to fn. Network and rate-limit errors are passed to fn
// and polling continues; any other error is passed to fn and returned.
func (c *Client) Poll(ctx context.Context, interval time.Duration, q Query, fn func([]Status, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		statuses, err := c.Get(ctx, q)
		if ctx.Err() != nil {
			return nil
		}
		fn(statuses, err)
		if err != nil && !nopwd.Retryable(err) {
			return err
		}
		if err != nil {
			c.logger.Debug("status poll failed, will retry", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
