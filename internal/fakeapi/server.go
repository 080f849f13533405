// Package fakeapi is an in-process implementation of the service's HTTP
// contract. Tests and the dev server use it to exercise the SDK end to end:
// it mints ES256 access tokens, validates passkey ceremonies with
// go-webauthn, checks session signatures against the registered JWK and
// keeps per-scope status counters.
package fakeapi

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/go-webauthn/webauthn/webauthn"
)

const (
	defaultTokenTTL    = 15 * time.Minute
	defaultCodeTTL     = 15 * time.Minute
	challengeTTL       = 5 * time.Minute
	defaultIssuer      = "https://api.nopwd.test"
	defaultRPID        = "localhost"
	defaultRPOrigin    = "http://localhost"
	defaultRPName      = "nopwd"
	challengeBytes     = 32
	maxSessionLifetime = 30 * 24 * time.Hour
)

//go:embed openapi.yaml
var openapiSpec []byte

// Server holds the in-memory state of the fake service.
type Server struct {
	mu sync.Mutex

	now      func() time.Time
	audit    *auditLogger
	issuer   *ecdsa.PrivateKey
	issuerID string
	tokenTTL time.Duration
	rpID     string
	rpOrigin string
	webauthn *webauthn.WebAuthn
	mailer   func(Mail)

	users      map[string]*user
	emails     map[string]string
	codes      map[string]*emailCode
	outbox     map[string]Mail
	challenges map[string]time.Time
	passkeyJTI map[string]bool
	credOwners map[string]string
	sessions   map[string]*authSession
	revoked    map[string]bool

	calls   map[string]int
	faults  map[string][]fault
	limiter *quotaLimiter
	board   *statusBoard
	handler http.Handler
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger for audit events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.audit = newAuditLogger(logger)
		}
	}
}

// WithClock overrides the time source for tokens, codes and sessions.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenTTL sets the lifetime of minted access tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

// WithRelyingParty sets the WebAuthn relying party id and origin.
func WithRelyingParty(id, origin string) Option {
	return func(s *Server) {
		s.rpID = id
		s.rpOrigin = origin
	}
}

// WithIssuer sets the iss claim of minted tokens.
func WithIssuer(iss string) Option {
	return func(s *Server) { s.issuerID = iss }
}

// WithMailer is called for every magic link sent.
func WithMailer(fn func(Mail)) Option {
	return func(s *Server) { s.mailer = fn }
}

// WithQuota rate-limits every route per client address: at most limit
// requests per window, then 429 with a retry_at.
func WithQuota(limit int, window time.Duration) Option {
	return func(s *Server) { s.limiter = newQuotaLimiter(limit, window) }
}

// New creates a Server.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		now:        time.Now,
		issuerID:   defaultIssuer,
		tokenTTL:   defaultTokenTTL,
		rpID:       defaultRPID,
		rpOrigin:   defaultRPOrigin,
		users:      make(map[string]*user),
		emails:     make(map[string]string),
		codes:      make(map[string]*emailCode),
		outbox:     make(map[string]Mail),
		challenges: make(map[string]time.Time),
		passkeyJTI: make(map[string]bool),
		credOwners: make(map[string]string),
		sessions:   make(map[string]*authSession),
		revoked:    make(map[string]bool),
		calls:      make(map[string]int),
		faults:     make(map[string][]fault),
		board:      newStatusBoard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = newAuditLogger(slog.New(slog.DiscardHandler))
	}
	s.board.now = s.now

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating issuer key: %w", err)
	}
	s.issuer = key

	s.webauthn, err = webauthn.New(&webauthn.Config{
		RPDisplayName: defaultRPName,
		RPID:          s.rpID,
		RPOrigins:     []string{s.rpOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	s.handler = s.Router()
	return s, nil
}

// Router returns a chi.Router with all routes mounted. The API reference is
// served at /docs and /redoc from the embedded OpenAPI document.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(s.instrument, s.injectFaults, s.rateLimit)

		r.Post("/sessions", s.CreateSession)
		r.Post("/sessions/{sessionID}/tokens", s.RefreshSession)
		r.Delete("/sessions/{sessionID}", s.DeleteSession)

		r.Get("/tokens/{token}", s.VerifyToken)
		r.Delete("/tokens/{token}", s.RevokeToken)

		r.Get("/webauthn/challenge", s.GetChallenge)
		r.Post("/webauthn/passkeys", s.RegisterPasskey)
		r.Post("/webauthn/tokens", s.VerifyAssertion)

		r.Post("/email/requests", s.RequestEmail)
		r.Post("/email/tokens", s.ExchangeCode)

		r.Get("/statuses", s.ListStatuses)
		r.Get("/statuses/{scope}", s.ListStatuses)
		r.Get("/status", s.StreamStatuses)
		r.Get("/status/{scope}", s.StreamStatuses)
	})

	return r
}

// ServeHTTP makes the Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
