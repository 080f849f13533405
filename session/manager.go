package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/api"
	"github.com/jmcleod/nopwd/crypto"
	"github.com/jmcleod/nopwd/internal/event"
	"github.com/jmcleod/nopwd/internal/lock"
	"github.com/jmcleod/nopwd/internal/util"
	"github.com/jmcleod/nopwd/storage"
	"github.com/jmcleod/nopwd/token"
)

const (
	DefaultLifetime      = 24 * time.Hour
	DefaultRefreshWindow = 60 * time.Second

	amrWebauthn = "webauthn"
)

var (
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("session manager closed")
	// ErrConcurrentRefresh is returned when the stored record changed while a
	// refresh was in flight. Local state is kept and the next Get reloads it.
	ErrConcurrentRefresh = errors.New("session record changed during refresh")
)

// PasskeySupport reports whether the platform can use passkeys.
// *webauthn.Client satisfies it.
type PasskeySupport interface {
	IsSupported(ctx context.Context) bool
}

// Observer receives session metrics. *metrics.Collector satisfies it.
type Observer interface {
	ObserveRefresh(outcome string)
	ObserveState(state string)
}

// Refresh outcomes passed to Observer.ObserveRefresh.
const (
	outcomeNone      = "none"
	outcomeFresh     = "fresh"
	outcomeRefreshed = "refreshed"
	outcomeExpired   = "expired"
	outcomeFailed    = "failed"
	outcomeDeferred  = "deferred"
)

// Manager is the session engine. Create, Get, Revoke and the idle watchdog
// are serialised by a FIFO lock, so at most one refresh is in flight and a
// rotating challenge is never signed twice.
type Manager struct {
	api      *api.Client
	store    *store
	logger   *slog.Logger
	now      func() time.Time
	passkeys PasskeySupport
	metrics  Observer

	lifetime      time.Duration
	idleTimeout   time.Duration
	refreshWindow time.Duration

	// Guarded by mu.
	mu     lock.Mutex
	held   *held
	seq    uint64
	closed bool

	states   *event.Broadcaster[State]
	watchdog watchdog

	closeOnce sync.Once
}

// held is the last session handed out together with its unsealed key.
type held struct {
	session Session
	version uint64
	sealed  []byte
	key     *crypto.PrivateKey
}

// Option configures a Manager.
type Option func(*Manager)

// WithPasskeySupport lets the manager compute Session.SuggestPasskeys.
func WithPasskeySupport(p PasskeySupport) Option {
	return func(m *Manager) { m.passkeys = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records refresh outcomes and state transitions.
func WithMetrics(o Observer) Option {
	return func(m *Manager) { m.metrics = o }
}

// WithDefaultLifetime sets the lifetime requested by Create when the caller
// does not pass one.
func WithDefaultLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// WithDefaultIdleTimeout sets the idle timeout requested by Create when the
// caller does not pass one. Zero means "same as the lifetime".
func WithDefaultIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithRefreshWindow sets how close to token expiry Get starts refreshing.
func WithRefreshWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.refreshWindow = d
		}
	}
}

// New returns a Manager persisting its record in repo. wrappingKey (32
// bytes) seals the record key and is never stored.
func New(gw *api.Client, repo storage.Repository, wrappingKey []byte, opts ...Option) (*Manager, error) {
	m := &Manager{
		api:           gw,
		logger:        slog.New(slog.DiscardHandler),
		now:           time.Now,
		lifetime:      DefaultLifetime,
		refreshWindow: DefaultRefreshWindow,
		states:        event.New[State](Unknown{}),
	}
	m.watchdog.afterFunc = afterFunc
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")

	st, err := openStore(context.Background(), repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	m.store = st
	return m, nil
}

// Close stops the watchdog and destroys key material. Listeners are kept but
// receive nothing further.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.mu.Lock(context.Background())
		m.closed = true
		m.seq++
		seq := m.seq
		m.dropHeld()
		m.store.close()
		m.mu.Unlock()
		m.watchdog.stop(seq)
	})
}

// State returns the last broadcast state.
func (m *Manager) State() State {
	return m.states.Current()
}

// AddStateListener registers fn and calls it at once with the current
// state. fn runs without any manager lock held.
func (m *Manager) AddStateListener(fn func(State)) ListenerID {
	return m.states.Add(fn)
}

// RemoveStateListener unregisters a listener.
func (m *Manager) RemoveStateListener(id ListenerID) {
	m.states.Remove(id)
}

type createOptions struct {
	lifetime    time.Duration
	idleTimeout time.Duration
}

// CreateOption configures Create.
type CreateOption func(*createOptions)

// WithLifetime sets the absolute lifetime of the new session.
func WithLifetime(d time.Duration) CreateOption {
	return func(o *createOptions) { o.lifetime = d }
}

// WithIdleTimeout sets the idle timeout of the new session.
func WithIdleTimeout(d time.Duration) CreateOption {
	return func(o *createOptions) { o.idleTimeout = d }
}

type createRequest struct {
	PublicKey   json.RawMessage `json:"public_key"`
	IdleTimeout int64           `json:"idle_timeout"`
	Lifetime    int64           `json:"lifetime"`
	AccessToken string          `json:"access_token"`
}

type createResponse struct {
	SessionID     string   `json:"session_id"`
	NextChallenge string   `json:"next_challenge"`
	IdleTimeout   int64    `json:"idle_timeout"`
	ExpiresAt     int64    `json:"expires_at"`
	CreatedAt     int64    `json:"created_at"`
	CreatedWith   []string `json:"created_with"`
	UsedAt        int64    `json:"used_at"`
}

// Create establishes a server-side session for accessToken bound to a fresh
// signing key, replaces any stored session and returns it. The token is
// assumed to have been verified by the flow that produced it.
func (m *Manager) Create(ctx context.Context, accessToken string, opts ...CreateOption) (Session, error) {
	o := createOptions{lifetime: m.lifetime, idleTimeout: m.idleTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lifetime <= 0 {
		o.lifetime = DefaultLifetime
	}
	if o.idleTimeout <= 0 {
		o.idleTimeout = o.lifetime
	}

	if err := m.acquire(ctx); err != nil {
		return Session{}, err
	}
	sess, seq, err := m.create(ctx, accessToken, o)
	m.mu.Unlock()
	if err != nil {
		return Session{}, err
	}
	m.publish(seq, Authenticated{Session: sess.clone()})
	return sess, nil
}

func (m *Manager) create(ctx context.Context, accessToken string, o createOptions) (Session, uint64, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Session{}, 0, nopwd.Unexpected(err)
	}
	jwk, err := key.PublicJWK()
	if err != nil {
		key.Destroy()
		return Session{}, 0, nopwd.Unexpected(err)
	}

	var resp createResponse
	err = m.api.Do(ctx, api.Request{
		Method:   http.MethodPost,
		Resource: "/sessions",
		Body: createRequest{
			PublicKey:   jwk,
			IdleTimeout: int64(o.idleTimeout / time.Second),
			Lifetime:    int64(o.lifetime / time.Second),
			AccessToken: accessToken,
		},
	}, &resp)
	if err != nil {
		key.Destroy()
		if perr := nopwd.Propagate(err); perr != nil {
			return Session{}, 0, perr
		}
		return Session{}, 0, nopwd.Unexpected(fmt.Errorf("creating session: %w", err))
	}
	if resp.SessionID == "" || resp.NextChallenge == "" {
		key.Destroy()
		return Session{}, 0, nopwd.Unexpected(errors.New("creating session: incomplete response"))
	}

	now := m.now().Unix()
	rec := &record{
		SessionID:     resp.SessionID,
		Token:         accessToken,
		NextChallenge: resp.NextChallenge,
		CreatedAt:     orDefault(resp.CreatedAt, now),
		CreatedWith:   resp.CreatedWith,
		ExpiresAt:     orDefault(resp.ExpiresAt, now+int64(o.lifetime/time.Second)),
		UsedAt:        orDefault(resp.UsedAt, now),
		IdleTimeout:   orDefault(resp.IdleTimeout, int64(o.idleTimeout/time.Second)),
	}
	rec.PrivateKey, err = key.Seal(m.store.key, privateKeyAAD(rec.SessionID))
	if err != nil {
		key.Destroy()
		return Session{}, 0, nopwd.Unexpected(err)
	}

	// The server session exists now, so a cancelled caller must not leave
	// it unrecorded.
	if err := m.store.replace(context.WithoutCancel(ctx), rec); err != nil {
		key.Destroy()
		return Session{}, 0, nopwd.Unexpected(err)
	}

	sess := m.sessionOf(ctx, rec)
	m.dropHeld()
	m.held = &held{session: sess, version: rec.Version, sealed: rec.PrivateKey, key: key}
	m.logger.Info("session created", "session_id", rec.SessionID, "created_with", rec.CreatedWith)
	return sess.clone(), m.nextSeq(), nil
}

// Get returns the current session, refreshing its token when it is within
// the refresh window of expiry. It returns nil when there is no usable
// session. Network, rate-limit and abort errors leave local state untouched;
// any other refresh failure ends the session.
func (m *Manager) Get(ctx context.Context) (*Session, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	sess, state, seq, err := m.get(ctx)
	m.mu.Unlock()
	if state != nil {
		m.publish(seq, state)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) get(ctx context.Context) (*Session, State, uint64, error) {
	rec, err := m.store.load(ctx)
	switch {
	case errors.Is(err, errCorruptRecord):
		m.logger.Warn("discarding unreadable session record", "error", err)
		return m.end(ctx, outcomeFailed)
	case err != nil:
		return nil, nil, 0, m.localError(ctx, err)
	case rec == nil:
		m.dropHeld()
		m.observe(outcomeNone)
		return nil, m.settle(Unauthenticated{}), m.nextSeq(), nil
	}

	now := m.now()
	if rec.expired(now) {
		m.logger.Info("session expired", "session_id", rec.SessionID)
		return m.end(ctx, outcomeExpired)
	}

	if payload, err := token.Decode(rec.Token); err == nil && payload.Exp != 0 &&
		!now.Add(m.refreshWindow).After(payload.ExpiresAt()) {
		sess := m.current(ctx, rec)
		m.observe(outcomeFresh)
		out := sess.clone()
		return &out, m.settle(Authenticated{Session: sess}), m.nextSeq(), nil
	}

	sess, err := m.refresh(ctx, rec)
	if err == nil {
		m.observe(outcomeRefreshed)
		out := sess.clone()
		return &out, Authenticated{Session: sess}, m.nextSeq(), nil
	}
	if perr := nopwd.Propagate(err); perr != nil {
		m.observe(outcomeDeferred)
		return nil, nil, 0, perr
	}
	if errors.Is(err, ErrConcurrentRefresh) {
		m.observe(outcomeDeferred)
		return nil, nil, 0, nopwd.Unexpected(err)
	}
	m.logger.Warn("session refresh rejected", "session_id", rec.SessionID, "error", err)
	return m.end(ctx, outcomeFailed)
}

type refreshResponse struct {
	AccessToken   string `json:"access_token"`
	NextChallenge string `json:"next_challenge"`
}

// refresh signs the record's challenge and rotates the token. On success
// the record is updated in place and the held session replaced.
func (m *Manager) refresh(ctx context.Context, rec *record) (Session, error) {
	key, err := m.keyFor(rec)
	if err != nil {
		return Session{}, err
	}
	challenge, err := util.DecodeBase64URL(rec.NextChallenge)
	if err != nil {
		return Session{}, fmt.Errorf("decoding challenge: %w", err)
	}
	sig, err := key.Sign(challenge)
	if err != nil {
		return Session{}, err
	}

	var resp refreshResponse
	err = m.api.Do(ctx, api.Request{
		Method:   http.MethodPost,
		Resource: api.Path("sessions", rec.SessionID, "tokens"),
		Body:     map[string]string{"signature": util.EncodeBase64URL(sig)},
	}, &resp)
	if err != nil {
		return Session{}, err
	}
	if resp.AccessToken == "" || resp.NextChallenge == "" {
		return Session{}, errors.New("refresh: incomplete response")
	}

	usedAt := m.now().Unix()
	if p, err := token.Decode(resp.AccessToken); err == nil && p.Iat != 0 {
		usedAt = p.Iat
	}
	next := *rec
	next.Token = resp.AccessToken
	next.NextChallenge = resp.NextChallenge
	next.UsedAt = usedAt

	// The old challenge is spent; persist even if the caller gives up now.
	if err := m.store.update(context.WithoutCancel(ctx), &next); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return Session{}, fmt.Errorf("%w: %w", ErrConcurrentRefresh, err)
		}
		return Session{}, err
	}

	sess := m.sessionOf(ctx, &next)
	m.held = &held{session: sess, version: next.Version, sealed: next.PrivateKey, key: key}
	m.logger.Debug("session refreshed", "session_id", next.SessionID)
	return sess, nil
}

// end deletes the record and reports Unauthenticated.
func (m *Manager) end(ctx context.Context, outcome string) (*Session, State, uint64, error) {
	m.dropHeld()
	if err := m.store.remove(context.WithoutCancel(ctx)); err != nil {
		m.logger.Error("failed to delete session record", "error", err)
	}
	m.observe(outcome)
	return nil, Unauthenticated{}, m.nextSeq(), nil
}

// Revoke ends the session on the server and always clears local state.
// Network and rate-limit errors from the server call are returned after the
// local record has been deleted; other server errors are only logged.
func (m *Manager) Revoke(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	var seq uint64
	defer func() {
		m.mu.Unlock()
		m.publish(seq, Unauthenticated{})
	}()
	defer func() {
		m.dropHeld()
		if rerr := m.store.remove(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Error("failed to delete session record", "error", rerr)
		}
		seq = m.nextSeq()
	}()

	rec, lerr := m.store.load(ctx)
	if lerr != nil || rec == nil {
		return nil
	}

	derr := m.api.Do(ctx, api.Request{
		Method:   http.MethodDelete,
		Resource: api.Path("sessions", rec.SessionID),
	}, nil)
	if derr != nil {
		if perr := nopwd.Propagate(derr); perr != nil {
			return perr
		}
		m.logger.Warn("server session revocation failed", "session_id", rec.SessionID, "error", derr)
		return nil
	}
	m.logger.Info("session revoked", "session_id", rec.SessionID)
	return nil
}

// acquire takes the manager lock, mapping context errors to the SDK's
// abort and network kinds.
func (m *Manager) acquire(ctx context.Context) error {
	if err := m.mu.Lock(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", nopwd.ErrNetwork, err)
		}
		return fmt.Errorf("%w: %w", nopwd.ErrAborted, err)
	}
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Manager) localError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", nopwd.ErrAborted, err)
	}
	return nopwd.Unexpected(err)
}

// current returns the held session when it still matches rec, otherwise a
// fresh snapshot of rec.
func (m *Manager) current(ctx context.Context, rec *record) Session {
	if m.held != nil && m.held.version == rec.Version && bytes.Equal(m.held.sealed, rec.PrivateKey) {
		return m.held.session
	}
	sess := m.sessionOf(ctx, rec)
	m.dropHeld()
	m.held = &held{session: sess, version: rec.Version, sealed: rec.PrivateKey}
	return sess
}

// keyFor returns the signing key of rec, unsealing it if it is not held.
func (m *Manager) keyFor(rec *record) (*crypto.PrivateKey, error) {
	if m.held != nil && m.held.key != nil && bytes.Equal(m.held.sealed, rec.PrivateKey) {
		return m.held.key, nil
	}
	key, err := crypto.OpenPrivateKey(rec.PrivateKey, m.store.key, privateKeyAAD(rec.SessionID))
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	if m.held != nil && bytes.Equal(m.held.sealed, rec.PrivateKey) {
		m.held.key = key
	} else {
		m.dropHeld()
		m.held = &held{version: rec.Version, sealed: rec.PrivateKey, key: key}
	}
	return key, nil
}

func (m *Manager) dropHeld() {
	if m.held != nil && m.held.key != nil {
		m.held.key.Destroy()
	}
	m.held = nil
}

func (m *Manager) sessionOf(ctx context.Context, rec *record) Session {
	payload, _ := token.Decode(rec.Token)
	sess := Session{
		ID:           rec.SessionID,
		CreatedAt:    time.Unix(rec.CreatedAt, 0),
		CreatedWith:  slices.Clone(rec.CreatedWith),
		ExpiresAt:    rec.expiresAt(),
		UsedAt:       time.Unix(rec.UsedAt, 0),
		IdleTimeout:  time.Duration(rec.IdleTimeout) * time.Second,
		Token:        rec.Token,
		TokenPayload: payload,
	}
	sess.SuggestPasskeys = m.passkeys != nil && m.passkeys.IsSupported(ctx) &&
		!payload.HasMethod(amrWebauthn) && !slices.Contains(rec.CreatedWith, amrWebauthn)
	return sess
}

// settle returns st when it differs from the broadcast state, nil otherwise,
// so repeated fresh lookups do not notify listeners.
func (m *Manager) settle(st State) State {
	switch cur := m.states.Current().(type) {
	case Unauthenticated:
		if _, ok := st.(Unauthenticated); ok {
			return nil
		}
	case Authenticated:
		if next, ok := st.(Authenticated); ok && sameSession(cur.Session, next.Session) {
			return nil
		}
	}
	return st
}

func sameSession(a, b Session) bool {
	return a.ID == b.ID && a.Token == b.Token && a.UsedAt.Equal(b.UsedAt)
}

func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func (m *Manager) observe(outcome string) {
	if m.metrics != nil {
		m.metrics.ObserveRefresh(outcome)
	}
}

// publish broadcasts st unless a newer state has already gone out, and
// re-arms or stops the idle watchdog to match.
func (m *Manager) publish(seq uint64, st State) {
	if !m.states.Offer(seq, st) {
		return
	}
	if m.metrics != nil {
		m.metrics.ObserveState(st.String())
	}
	a, ok := st.(Authenticated)
	if !ok || a.Session.IdleTimeout <= 0 {
		m.watchdog.stop(seq)
		return
	}
	id, usedAt := a.Session.ID, a.Session.UsedAt
	m.watchdog.arm(seq, a.Session.IdleDeadline().Sub(m.now()), func() {
		m.expireIdle(id, usedAt)
	})
}

// expireIdle ends the session if it has not been refreshed since the
// watchdog was armed.
func (m *Manager) expireIdle(sessionID string, usedAt time.Time) {
	ctx := context.Background()
	if err := m.acquire(ctx); err != nil {
		return
	}
	rec, err := m.store.load(ctx)
	if err != nil || rec == nil || rec.SessionID != sessionID || rec.UsedAt != usedAt.Unix() {
		m.mu.Unlock()
		return
	}
	m.logger.Info("session idle timeout", "session_id", sessionID)
	_, st, seq, _ := m.end(ctx, outcomeExpired)
	m.mu.Unlock()
	m.publish(seq, st)
}

func orDefault(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}
