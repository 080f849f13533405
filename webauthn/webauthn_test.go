package webauthn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/api"
	"github.com/jmcleod/nopwd/internal/util"
)

var testRP = virtualwebauthn.RelyingParty{Name: "Example", ID: "example.com", Origin: "https://example.com"}

type recordingPlatform struct {
	*VirtualPlatform
	mu        sync.Mutex
	mediation Mediation
	created   *protocol.PublicKeyCredentialCreationOptions
}

func (p *recordingPlatform) CreateCredential(ctx context.Context, opts protocol.PublicKeyCredentialCreationOptions) (*protocol.CredentialCreationResponse, error) {
	p.mu.Lock()
	p.created = &opts
	p.mu.Unlock()
	return p.VirtualPlatform.CreateCredential(ctx, opts)
}

func (p *recordingPlatform) GetAssertion(ctx context.Context, opts protocol.PublicKeyCredentialRequestOptions, m Mediation) (*protocol.CredentialAssertionResponse, error) {
	p.mu.Lock()
	p.mediation = m
	p.mu.Unlock()
	return p.VirtualPlatform.GetAssertion(ctx, opts, m)
}

func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	jti, err := util.RandomString(16)
	require.NoError(t, err)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"aud": "Example",
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
		"jti": jti,
		"amr": []string{"email"},
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	return tok
}

func newTestClient(t *testing.T, h http.HandlerFunc, platform Platform) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(api.New(srv.URL), platform)
}

func challengeHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{"challenge": util.EncodeBase64URL([]byte("server-challenge")), "expires_at": 1700000000})
}

func TestIsSupported(t *testing.T) {
	c := NewClient(api.New("http://unused"), nil)
	assert.False(t, c.IsSupported(context.Background()))

	p := NewVirtualPlatform(testRP)
	c = NewClient(api.New("http://unused"), p)
	assert.True(t, c.IsSupported(context.Background()))
	p.SetAvailable(false)
	assert.False(t, c.IsSupported(context.Background()))
}

func TestGetChallenge(t *testing.T) {
	c := newTestClient(t, challengeHandler, nil)
	ch, err := c.GetChallenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, util.EncodeBase64URL([]byte("server-challenge")), ch.Challenge)
	assert.Equal(t, int64(1700000000), ch.ExpiresAt.Unix())
}

func TestGetChallengeErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"retry_at":1700000100}`))
	}, nil)
	_, err := c.GetChallenge(context.Background())
	var qe *nopwd.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(1700000100), qe.RetryAt.Unix())

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)
	_, err = c.GetChallenge(context.Background())
	var ue *nopwd.UnexpectedError
	assert.ErrorAs(t, err, &ue)
}

func TestSignChallengeNotSupported(t *testing.T) {
	c := NewClient(api.New("http://unused"), nil)
	_, err := c.SignChallenge(context.Background(), "AAAA")
	assert.ErrorIs(t, err, nopwd.ErrWebauthnNotSupported)
}

func TestSignChallengeDismissed(t *testing.T) {
	p := NewVirtualPlatform(testRP)
	p.SetDismiss(true)
	c := NewClient(api.New("http://unused"), p)
	_, err := c.SignChallenge(context.Background(), "AAAA", WithMediation(MediationRequired))
	assert.ErrorIs(t, err, nopwd.ErrAborted)
	assert.Equal(t, nopwd.KindAbort, nopwd.KindOf(err))
}

func TestSignChallengeAbort(t *testing.T) {
	p := NewVirtualPlatform(testRP)
	c := NewClient(api.New("http://unused"), p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		// No credential: conditional mediation waits for the context.
		_, err := c.SignChallenge(ctx, "AAAA")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, nopwd.ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("SignChallenge did not return after cancel")
	}
}

func TestRegisterAndSign(t *testing.T) {
	var posted map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/webauthn/passkeys":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			json.NewEncoder(w).Encode(map[string]string{"alg": "ES256"})
		case "/webauthn/challenge":
			challengeHandler(w, r)
		case "/webauthn/tokens":
			var a Assertion
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
			if a.ID != posted["id"] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"access_token": "new-token"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, nil)
	platform := &recordingPlatform{VirtualPlatform: NewVirtualPlatform(testRP)}
	c.platform = platform

	tok := mintToken(t, "user@example.com", time.Now().Add(time.Hour))
	pk, err := c.Register(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "ES256", pk.Alg)
	assert.NotEmpty(t, pk.ID)
	assert.Equal(t, 1, platform.CredentialCount())

	assert.Equal(t, pk.ID, posted["id"])
	assert.Equal(t, tok, posted["access_token"])
	assert.NotEmpty(t, posted["client_data"])
	assert.NotEmpty(t, posted["attestation_object"])

	require.NotNil(t, platform.created)
	assert.Equal(t, protocol.URLEncodedBase64(util.SHA256([]byte("user@example.com"))), platform.created.User.ID)
	assert.Equal(t, "Example", platform.created.RelyingParty.Name)
	assert.Equal(t, protocol.VerificationRequired, platform.created.AuthenticatorSelection.UserVerification)

	accessToken, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-token", accessToken)
	assert.Equal(t, MediationConditional, platform.mediation)
}

func TestRegisterInvalidToken(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }, NewVirtualPlatform(testRP))

	_, err := c.Register(context.Background(), mintToken(t, "u", time.Now().Add(-time.Minute)))
	assert.ErrorIs(t, err, nopwd.ErrInvalidToken)

	_, err = c.Register(context.Background(), "a.b")
	assert.ErrorIs(t, err, nopwd.ErrInvalidToken)

	assert.Zero(t, hits.Load())
}

func TestRegisterAbortLeavesNoState(t *testing.T) {
	var hits atomic.Int32
	p := NewVirtualPlatform(testRP)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Register(ctx, mintToken(t, "u", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, nopwd.ErrAborted)
	assert.Zero(t, p.CredentialCount())
	assert.Zero(t, hits.Load())

	p.SetDismiss(true)
	_, err = c.Register(context.Background(), mintToken(t, "u", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, nopwd.ErrAborted)
	assert.Zero(t, hits.Load())
}

func TestVerifySignatureErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, nopwd.ErrUnknownChallengeOrPasskey},
		{http.StatusUnauthorized, nopwd.ErrInvalidSignature},
		{http.StatusTooManyRequests, nopwd.ErrQuota},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(tt.status) }, nil)
			_, err := c.VerifySignature(context.Background(), Assertion{ID: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }, nil)
	_, err := c.VerifySignature(context.Background(), Assertion{ID: "x"})
	var ue *nopwd.UnexpectedError
	assert.ErrorAs(t, err, &ue)
}

// flakyTransport fails the first n round trips with a transport error.
type flakyTransport struct {
	n     atomic.Int32
	fails int32
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.n.Add(1) <= f.fails {
		return nil, errors.New("connection reset")
	}
	return http.DefaultTransport.RoundTrip(r)
}

func TestConditionalRetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(challengeHandler))
	defer srv.Close()

	ft := &flakyTransport{fails: 2}
	p := NewVirtualPlatform(testRP)
	p.SetDismiss(true)
	c := NewClient(api.New(srv.URL, api.WithHTTPClient(&http.Client{Transport: ft})), p)

	var states []ConditionalState
	f := NewConditional(c, WithRetryInterval(time.Millisecond), WithStateFunc(func(s ConditionalState) {
		states = append(states, s)
	}))
	_, err := f.Start(context.Background())
	// The challenge arrives on the third try; the dismissed prompt then aborts.
	assert.ErrorIs(t, err, nopwd.ErrAborted)
	assert.Equal(t, int32(3), ft.n.Load())
	assert.Equal(t, []ConditionalState{StateInitializing, StateWaiting, StateIdle}, states)
}

func TestConditionalGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(challengeHandler))
	defer srv.Close()

	ft := &flakyTransport{fails: 100}
	c := NewClient(api.New(srv.URL, api.WithHTTPClient(&http.Client{Transport: ft})), NewVirtualPlatform(testRP))
	f := NewConditional(c, WithRetryInterval(time.Millisecond), WithMaxAttempts(2))
	_, err := f.Start(context.Background())
	assert.ErrorIs(t, err, nopwd.ErrNetwork)
	assert.Equal(t, int32(2), ft.n.Load())
}

func TestConditionalDoesNotRetryProtocolErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, NewVirtualPlatform(testRP))
	f := NewConditional(c, WithRetryInterval(time.Millisecond))
	_, err := f.Start(context.Background())
	assert.ErrorIs(t, err, nopwd.ErrQuota)
	assert.Equal(t, int32(1), hits.Load())
}

func TestConditionalStartCancelsPrevious(t *testing.T) {
	c := newTestClient(t, challengeHandler, NewVirtualPlatform(testRP))
	waiting := make(chan struct{}, 4)
	f := NewConditional(c, WithStateFunc(func(s ConditionalState) {
		if s == StateWaiting {
			waiting <- struct{}{}
		}
	}))

	first := make(chan error, 1)
	go func() {
		_, err := f.Start(context.Background())
		first <- err
	}()
	<-waiting

	second := make(chan error, 1)
	go func() {
		_, err := f.Start(context.Background())
		second <- err
	}()

	select {
	case err := <-first:
		assert.ErrorIs(t, err, nopwd.ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt was not aborted")
	}

	<-waiting
	f.Cancel()
	select {
	case err := <-second:
		assert.ErrorIs(t, err, nopwd.ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not abort the second attempt")
	}
}
