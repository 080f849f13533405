// Package client assembles the SDK: one Client wires the HTTP gateway,
// the local session store, the session engine and the email, passkey, token
// and status modules from a config.Config.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/api"
	"github.com/jmcleod/nopwd/config"
	"github.com/jmcleod/nopwd/email"
	"github.com/jmcleod/nopwd/internal/metrics"
	"github.com/jmcleod/nopwd/session"
	"github.com/jmcleod/nopwd/status"
	"github.com/jmcleod/nopwd/storage"
	boltstore "github.com/jmcleod/nopwd/storage/bbolt"
	"github.com/jmcleod/nopwd/storage/memory"
	"github.com/jmcleod/nopwd/storage/sqlite"
	"github.com/jmcleod/nopwd/token"
	"github.com/jmcleod/nopwd/webauthn"
)

// Alert is an anomaly reported by the metrics collector.
type Alert = metrics.AlertEvent

// Client is the SDK entry point.
type Client struct {
	API      *api.Client
	Sessions *session.Manager
	Email    *email.Client
	Passkeys *webauthn.Client
	Tokens   *token.Client
	Status   *status.Client

	cfg       config.Config
	logger    *slog.Logger
	closeRepo func() error

	initMu sync.Mutex
	inited bool
}

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	registerer prometheus.Registerer
	alertFn    func(Alert)
	platform   webauthn.Platform
	location   email.Location
	verifiers  email.VerifierStore
	repo       storage.Repository
	now        func() time.Time
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger handed to every module.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient overrides the HTTP client. Its timeout wins over
// config.RequestTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithRegisterer enables Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithAlerts is called when refresh failures or rate limiting spike.
// It needs WithRegisterer.
func WithAlerts(fn func(Alert)) Option {
	return func(o *options) { o.alertFn = fn }
}

// WithPlatform sets the passkey platform. Without one, passkeys are
// reported as unsupported.
func WithPlatform(p webauthn.Platform) Option {
	return func(o *options) { o.platform = p }
}

// WithLocation sets the page location magic links return to. The default is
// config.CallbackURL.
func WithLocation(loc email.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithVerifierStore sets where PKCE verifiers are kept between Request and
// the callback.
func WithVerifierStore(s email.VerifierStore) Option {
	return func(o *options) { o.verifiers = s }
}

// WithRepository uses repo instead of opening the configured store. The
// caller keeps ownership of repo.
func WithRepository(repo storage.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// WithClock overrides the time source of the session engine.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a Client from cfg.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	var collector *metrics.Collector
	if o.registerer != nil {
		var mopts []metrics.Option
		if o.alertFn != nil {
			mopts = append(mopts, metrics.WithAlertFunc(metrics.AlertFunc(o.alertFn)))
		}
		var err error
		collector, err = metrics.New(o.registerer, mopts...)
		if err != nil {
			return nil, err
		}
	}

	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	apiOpts := []api.Option{api.WithHTTPClient(hc), api.WithLogger(o.logger)}
	if cfg.RateLimit > 0 {
		apiOpts = append(apiOpts, api.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)))
	}
	if collector != nil {
		apiOpts = append(apiOpts, api.WithMetrics(collector))
	}
	gw := api.New(cfg.BaseURL, apiOpts...)

	loc := o.location
	if loc == nil {
		var err error
		if loc, err = email.NewLocation(cfg.CallbackURL); err != nil {
			return nil, err
		}
	}

	repo, closeRepo, err := openRepository(cfg, o.repo)
	if err != nil {
		return nil, err
	}
	salt, err := session.StoreSalt(context.Background(), repo)
	if err != nil {
		closeRepo()
		return nil, err
	}
	wrappingKey, err := cfg.WrappingKey(salt)
	if err != nil {
		closeRepo()
		return nil, err
	}

	passkeys := webauthn.NewClient(gw, o.platform, webauthn.WithLogger(o.logger), webauthn.WithClock(o.now))
	sessOpts := []session.Option{
		session.WithLogger(o.logger),
		session.WithPasskeySupport(passkeys),
		session.WithRefreshWindow(cfg.RefreshWindow),
		session.WithDefaultLifetime(cfg.Lifetime),
		session.WithDefaultIdleTimeout(cfg.IdleTimeout),
		session.WithClock(o.now),
	}
	if collector != nil {
		sessOpts = append(sessOpts, session.WithMetrics(collector))
	}
	sessions, err := session.New(gw, repo, wrappingKey, sessOpts...)
	if err != nil {
		closeRepo()
		return nil, err
	}

	return &Client{
		API:       gw,
		Sessions:  sessions,
		Email:     email.NewClient(gw, loc, email.WithLogger(o.logger), email.WithVerifierStore(o.verifiers)),
		Passkeys:  passkeys,
		Tokens:    token.NewClient(gw, token.WithLogger(o.logger)),
		Status:    status.NewClient(gw, status.WithLogger(o.logger)),
		cfg:       cfg,
		logger:    o.logger.With("component", "client"),
		closeRepo: closeRepo,
	}, nil
}

func openRepository(cfg config.Config, repo storage.Repository) (storage.Repository, func() error, error) {
	noop := func() error { return nil }
	if repo != nil {
		return repo, noop, nil
	}
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return memory.NewRepository(), noop, nil
	case config.StoreBbolt:
		st, err := boltstore.NewRepositoryFromFile(cfg.StorePath, nil)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// Close stops the session engine and closes the store it opened.
func (c *Client) Close() error {
	c.Sessions.Close()
	return c.closeRepo()
}

// Init settles the authentication state once per Client. On the first call
// a pending magic-link code in the location is redeemed and turned into a
// session; every call then returns the current session, refreshing it if
// needed. The code is never redeemed twice, even if the first attempt
// fails.
func (c *Client) Init(ctx context.Context) (*session.Session, error) {
	c.initMu.Lock()
	first := !c.inited
	c.inited = true
	c.initMu.Unlock()

	if first && c.Email.HasCallbackCode() {
		sess, err := c.CompleteEmailLogin(ctx)
		if err != nil {
			c.logger.Warn("magic link login failed", "error", err)
			if !errors.Is(err, nopwd.ErrInvalidCodeParameter) && !errors.Is(err, nopwd.ErrMissingCodeParameter) {
				return nil, err
			}
		} else {
			return &sess, nil
		}
	}
	return c.Sessions.Get(ctx)
}

// RequestEmailLogin sends a magic link to addr. The link returns to the
// configured location; with pkce it only works in this client.
func (c *Client) RequestEmailLogin(ctx context.Context, addr string, pkce bool) (time.Time, error) {
	return c.Email.Request(ctx, email.Params{Email: addr, PKCE: pkce})
}

// CompleteEmailLogin redeems the code in the location and creates a
// session from the resulting token.
func (c *Client) CompleteEmailLogin(ctx context.Context, opts ...session.CreateOption) (session.Session, error) {
	tok, err := c.Email.HandleCallbackCode(ctx)
	if err != nil {
		return session.Session{}, err
	}
	return c.Sessions.Create(ctx, tok, opts...)
}

// LoginWithPasskey signs a server challenge with a passkey and creates a
// session from the resulting token.
func (c *Client) LoginWithPasskey(ctx context.Context, opts ...webauthn.SignOption) (session.Session, error) {
	tok, err := c.Passkeys.Login(ctx, opts...)
	if err != nil {
		return session.Session{}, err
	}
	return c.Sessions.Create(ctx, tok)
}

// RegisterPasskey registers a passkey for the signed-in account, using the
// current session's token.
func (c *Client) RegisterPasskey(ctx context.Context) (webauthn.Passkey, error) {
	sess, err := c.Sessions.Get(ctx)
	if err != nil {
		return webauthn.Passkey{}, err
	}
	if sess == nil {
		return webauthn.Passkey{}, nopwd.ErrMissingToken
	}
	return c.Passkeys.Register(ctx, sess.Token)
}

// Logout revokes the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.Sessions.Revoke(ctx)
}

// StreamStatus follows the service's status stream for q until ctx is
// done.
func (c *Client) StreamStatus(ctx context.Context, q status.Query, fn func(status.Status), opts ...status.StreamOption) error {
	opts = append([]status.StreamOption{status.WithStreamLogger(c.logger)}, opts...)
	return status.Stream(ctx, c.cfg.StreamURL(), q, fn, opts...)
}
