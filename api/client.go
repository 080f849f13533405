// Package api is the HTTP gateway to the passwordless authentication service.
// It turns a method, resource and JSON body into a decoded response or a
// typed error derived from the HTTP status.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "nopwd-go"
	maxErrorBody     = 64 << 10
)

// Request describes a single call to the service.
type Request struct {
	Method   string
	Resource string
	Query    url.Values
	Body     any
}

// Observer receives one observation per completed request. Outcome is "ok",
// "aborted", "network" or the lower-cased error kind.
type Observer interface {
	ObserveRequest(method, route, outcome string, elapsed time.Duration)
}

// Client calls the service at a fixed base URL.
type Client struct {
	baseURL   string
	http      *http.Client
	logger    *slog.Logger
	limiter   *rate.Limiter
	observer  Observer
	userAgent string
	now       func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger. Bodies are never logged.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRateLimit waits on limiter before each request.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(c *Client) { c.limiter = limiter }
}

// WithMetrics reports every request to o.
func WithMetrics(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// New returns a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    slog.New(slog.DiscardHandler),
		userAgent: defaultUserAgent,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c
}

// BaseURL returns the service root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Do performs req. When out is non-nil and the response has a body, the body
// is decoded into out.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	route := Route(req.Resource)
	start := time.Now()
	err := c.do(ctx, req, out)
	elapsed := time.Since(start)

	outcome := outcomeOf(err)
	if c.observer != nil {
		c.observer.ObserveRequest(req.Method, route, outcome, elapsed)
	}
	if err != nil {
		c.logger.Debug("request failed", "method", req.Method, "route", route, "outcome", outcome, "elapsed", elapsed)
	} else {
		c.logger.Debug("request completed", "method", req.Method, "route", route, "elapsed", elapsed)
	}
	return err
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return transportError(ctx, err)
		}
	}

	target := c.baseURL + req.Resource
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", Route(req.Resource), err)
	}
	return nil
}

// errorBody is the error document the service returns.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	RetryAt *int64 `json:"retry_at"`
}

func (c *Client) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		tmr := &TooManyRequestsError{Message: msg}
		switch {
		case eb.RetryAt != nil:
			tmr.RetryAt = time.Unix(*eb.RetryAt, 0)
		default:
			tmr.RetryAt = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		return tmr
	}
	return &StatusError{Status: resp.StatusCode, Message: msg}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return now.Add(time.Duration(secs) * time.Second).Truncate(time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		return t
	}
	return time.Time{}
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrTooManyRequests):
		return "rate_limited"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInternal):
		return "internal"
	default:
		return "error"
	}
}
