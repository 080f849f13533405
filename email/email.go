// Package email implements magic-link login: request a link, then exchange
// the code it carries for an access token.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/api"
	"github.com/jmcleod/nopwd/internal/util"
)

const (
	codeParam           = "code"
	verifierBytes       = 24
	challengeMethodS256 = "S256"
)

// Params is a login link request.
type Params struct {
	Email string
	// PKCE binds the link to this client with a code verifier.
	PKCE bool
}

// Client requests and redeems magic links.
type Client struct {
	api       *api.Client
	location  Location
	verifiers VerifierStore
	logger    *slog.Logger

	// mu makes reading and stripping the code one step.
	mu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithVerifierStore overrides the in-memory verifier store.
func WithVerifierStore(s VerifierStore) Option {
	return func(c *Client) {
		if s != nil {
			c.verifiers = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a Client whose callback address is loc.
func NewClient(gw *api.Client, loc Location, opts ...Option) *Client {
	c := &Client{
		api:       gw,
		location:  loc,
		verifiers: NewMemoryVerifierStore(),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "email")
	return c
}

// Request sends a login link to p.Email and returns when the link expires.
func (c *Client) Request(ctx context.Context, p Params) (time.Time, error) {
	addr := util.Normalize(p.Email)
	if addr == "" {
		return time.Time{}, nopwd.ErrMissingEmail
	}

	body := map[string]string{
		"email":        addr,
		"callback_uri": c.location.URL().String(),
	}
	if p.PKCE {
		verifier, err := util.RandomString(verifierBytes)
		if err != nil {
			return time.Time{}, nopwd.Unexpected(err)
		}
		c.verifiers.Set(verifier)
		body["code_challenge"] = util.EncodeBase64URL(util.SHA256([]byte(verifier)))
		body["code_challenge_method"] = challengeMethodS256
	}

	var resp struct {
		ExpiresAt int64 `json:"expires_at"`
	}
	err := c.api.Do(ctx, api.Request{Method: http.MethodPost, Resource: "/email/requests", Body: body}, &resp)
	if err != nil {
		if perr := nopwd.Propagate(err); perr != nil {
			return time.Time{}, perr
		}
		if errors.Is(err, api.ErrBadRequest) {
			return time.Time{}, nopwd.ErrInvalidEmail
		}
		return time.Time{}, nopwd.Unexpected(err)
	}
	c.logger.Info("login link requested", "pkce", p.PKCE)
	return time.Unix(resp.ExpiresAt, 0), nil
}

// HasCallbackCode reports whether the location carries a code.
func (c *Client) HasCallbackCode() bool {
	return c.location.URL().Query().Has(codeParam)
}

// HandleCallbackCode strips the code from the location and exchanges it for
// an access token. Concurrent callers race for the code; only one gets it
// and the others see ErrMissingCodeParameter.
func (c *Client) HandleCallbackCode(ctx context.Context) (string, error) {
	code, verifier, ok := c.takeCode()
	if !ok {
		return "", nopwd.ErrMissingCodeParameter
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.api.Do(ctx, api.Request{
		Method:   http.MethodPost,
		Resource: "/email/tokens",
		Body: map[string]string{
			"code":          code,
			"code_verifier": verifier,
		},
	}, &resp)
	if err != nil {
		if perr := nopwd.Propagate(err); perr != nil {
			return "", perr
		}
		if errors.Is(err, api.ErrUnauthorized) {
			return "", fmt.Errorf("exchange code: %w", nopwd.ErrInvalidCodeParameter)
		}
		return "", nopwd.Unexpected(err)
	}
	return resp.AccessToken, nil
}

func (c *Client) takeCode() (code, verifier string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.location.URL()
	q := u.Query()
	if !q.Has(codeParam) {
		return "", "", false
	}
	code = q.Get(codeParam)
	verifier, _ = c.verifiers.Get()

	c.verifiers.Delete()
	q.Del(codeParam)
	u.RawQuery = q.Encode()
	c.location.Replace(u)
	return code, verifier, true
}
