package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/api"
)

// Client calls the token endpoints.
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

// NewClient returns a token Client using the given gateway.
func NewClient(gw *api.Client, opts ...Option) *Client {
	c := &Client{api: gw, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "token")
	return c
}

// Verify asks the service whether tok is valid and returns its payload.
// Callers should check that Aud matches their own domain.
func (c *Client) Verify(ctx context.Context, tok string) (Payload, error) {
	if tok == "" {
		return Payload{}, nopwd.ErrMissingToken
	}
	var p Payload
	err := c.api.Do(ctx, api.Request{Method: http.MethodGet, Resource: api.Path("tokens", tok)}, &p)
	if err != nil {
		return Payload{}, c.mapError("verify", err)
	}
	return p, nil
}

// Revoke invalidates tok on the service.
func (c *Client) Revoke(ctx context.Context, tok string) error {
	if tok == "" {
		return nopwd.ErrMissingToken
	}
	err := c.api.Do(ctx, api.Request{Method: http.MethodDelete, Resource: api.Path("tokens", tok)}, nil)
	if err != nil {
		return c.mapError("revoke", err)
	}
	c.logger.Info("token revoked")
	return nil
}

func (c *Client) mapError(op string, err error) error {
	if perr := nopwd.Propagate(err); perr != nil {
		return perr
	}
	switch {
	case errors.Is(err, api.ErrBadRequest),
		errors.Is(err, api.ErrUnauthorized),
		errors.Is(err, api.ErrForbidden),
		errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("%s token: %w", op, nopwd.ErrInvalidToken)
	}
	c.logger.Warn("token request failed", "op", op, "error", err)
	return nopwd.Unexpected(err)
}
