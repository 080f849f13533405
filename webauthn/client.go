// Package webauthn registers passkeys and authenticates with them against the
// service. The credential ceremonies themselves are delegated to a Platform.
package webauthn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/api"
	"github.com/jmcleod/nopwd/internal/util"
	"github.com/jmcleod/nopwd/token"
)

// Challenge is a one-time server challenge, base64url encoded.
type Challenge struct {
	Challenge string
	ExpiresAt time.Time
}

// Assertion is a signed challenge ready to be verified by the service. All
// binary fields are base64url encoded.
type Assertion struct {
	ID                string `json:"id"`
	Signature         string `json:"signature"`
	AuthenticatorData string `json:"authenticator_data"`
	ClientData        string `json:"client_data"`
}

// Passkey is a newly registered credential.
type Passkey struct {
	ID  string
	Alg string
}

// Client runs passkey ceremonies against the service.
type Client struct {
	api      *api.Client
	platform Platform
	logger   *slog.Logger
	now      func() time.Time
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

// WithClock overrides the time source used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient returns a Client. A nil platform means passkeys are unsupported.
func NewClient(gw *api.Client, platform Platform, opts ...Option) *Client {
	c := &Client{
		api:      gw,
		platform: platform,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "webauthn")
	return c
}

// IsSupported reports whether the platform offers conditional mediation.
func (c *Client) IsSupported(ctx context.Context) bool {
	return c.platform != nil && c.platform.ConditionalMediationAvailable(ctx)
}

// GetChallenge fetches a one-time challenge.
func (c *Client) GetChallenge(ctx context.Context) (Challenge, error) {
	var resp struct {
		Challenge string `json:"challenge"`
		ExpiresAt int64  `json:"expires_at"`
	}
	err := c.api.Do(ctx, api.Request{Method: http.MethodGet, Resource: "/webauthn/challenge"}, &resp)
	if err != nil {
		if perr := nopwd.Propagate(err); perr != nil {
			return Challenge{}, perr
		}
		return Challenge{}, nopwd.Unexpected(err)
	}
	return Challenge{Challenge: resp.Challenge, ExpiresAt: time.Unix(resp.ExpiresAt, 0)}, nil
}

type signOptions struct {
	mediation Mediation
}

// SignOption configures SignChallenge.
type SignOption func(*signOptions)

// WithMediation overrides the default conditional mediation.
func WithMediation(m Mediation) SignOption {
	return func(o *signOptions) { o.mediation = m }
}

// SignChallenge asks the platform to sign challenge with a passkey.
func (c *Client) SignChallenge(ctx context.Context, challenge string, opts ...SignOption) (Assertion, error) {
	o := signOptions{mediation: MediationConditional}
	for _, opt := range opts {
		opt(&o)
	}
	if !c.IsSupported(ctx) {
		return Assertion{}, nopwd.ErrWebauthnNotSupported
	}

	raw, err := util.DecodeBase64URL(challenge)
	if err != nil {
		return Assertion{}, nopwd.Unexpected(fmt.Errorf("decoding challenge: %w", err))
	}

	req := protocol.PublicKeyCredentialRequestOptions{
		Challenge:        protocol.URLEncodedBase64(raw),
		UserVerification: protocol.VerificationRequired,
	}
	resp, err := c.platform.GetAssertion(ctx, req, o.mediation)
	if err := ceremonyError(ctx, resp == nil, err); err != nil {
		return Assertion{}, err
	}

	return Assertion{
		ID:                resp.ID,
		Signature:         util.EncodeBase64URL(resp.AssertionResponse.Signature),
		AuthenticatorData: util.EncodeBase64URL(resp.AssertionResponse.AuthenticatorData),
		ClientData:        util.EncodeBase64URL(resp.AssertionResponse.ClientDataJSON),
	}, nil
}

// ceremonyError maps the outcome of a platform call. A cancelled context or
// an empty result is an abort.
func ceremonyError(ctx context.Context, empty bool, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", nopwd.ErrAborted, ctx.Err())
	case err != nil && (errors.Is(err, nopwd.ErrAborted) || errors.Is(err, context.Canceled)):
		return fmt.Errorf("%w: %w", nopwd.ErrAborted, err)
	case err != nil:
		return nopwd.Unexpected(err)
	case empty:
		return nopwd.ErrAborted
	}
	return nil
}

// VerifySignature exchanges an assertion for an access token.
func (c *Client) VerifySignature(ctx context.Context, a Assertion) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.api.Do(ctx, api.Request{Method: http.MethodPost, Resource: "/webauthn/tokens", Body: a}, &resp)
	if err != nil {
		if perr := nopwd.Propagate(err); perr != nil {
			return "", perr
		}
		switch {
		case errors.Is(err, api.ErrNotFound):
			return "", nopwd.ErrUnknownChallengeOrPasskey
		case errors.Is(err, api.ErrUnauthorized):
			return "", nopwd.ErrInvalidSignature
		}
		return "", nopwd.Unexpected(err)
	}
	return resp.AccessToken, nil
}

// Login runs challenge, sign and verify with conditional mediation.
func (c *Client) Login(ctx context.Context, opts ...SignOption) (string, error) {
	ch, err := c.GetChallenge(ctx)
	if err != nil {
		return "", err
	}
	a, err := c.SignChallenge(ctx, ch.Challenge, opts...)
	if err != nil {
		return "", err
	}
	return c.VerifySignature(ctx, a)
}

// Register creates a passkey for the account that accessToken proves.
//
// The platform sees SHA-256(sub) as the user handle, never the subject
// itself. The challenge is the token's jti and the relying party name its
// audience.
func (c *Client) Register(ctx context.Context, accessToken string) (Passkey, error) {
	if !c.IsSupported(ctx) {
		return Passkey{}, nopwd.ErrWebauthnNotSupported
	}

	payload, err := token.Decode(accessToken)
	if err != nil {
		return Passkey{}, err
	}
	if payload.Expired(c.now()) {
		return Passkey{}, fmt.Errorf("token expired: %w", nopwd.ErrInvalidToken)
	}
	challenge, err := util.DecodeBase64URL(payload.Jti)
	if err != nil || len(challenge) == 0 {
		return Passkey{}, fmt.Errorf("token jti is not a challenge: %w", nopwd.ErrInvalidToken)
	}

	opts := protocol.PublicKeyCredentialCreationOptions{
		RelyingParty: protocol.RelyingPartyEntity{
			CredentialEntity: protocol.CredentialEntity{Name: payload.Aud},
		},
		User: protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: payload.Sub},
			DisplayName:      payload.Sub,
			ID:               protocol.URLEncodedBase64(util.SHA256([]byte(payload.Sub))),
		},
		Challenge: protocol.URLEncodedBase64(challenge),
		Parameters: []protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
		},
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationRequired,
		},
	}

	cred, err := c.platform.CreateCredential(ctx, opts)
	if err := ceremonyError(ctx, cred == nil, err); err != nil {
		return Passkey{}, err
	}

	var resp struct {
		Alg string `json:"alg"`
	}
	err = c.api.Do(ctx, api.Request{
		Method:   http.MethodPost,
		Resource: "/webauthn/passkeys",
		Body: map[string]string{
			"id":                 cred.ID,
			"client_data":        util.EncodeBase64URL(cred.AttestationResponse.ClientDataJSON),
			"attestation_object": util.EncodeBase64URL(cred.AttestationResponse.AttestationObject),
			"access_token":       accessToken,
		},
	}, &resp)
	if err != nil {
		if perr := nopwd.Propagate(err); perr != nil {
			return Passkey{}, perr
		}
		if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrForbidden) {
			return Passkey{}, fmt.Errorf("passkey rejected: %w", nopwd.ErrInvalidToken)
		}
		return Passkey{}, nopwd.Unexpected(err)
	}

	c.logger.Info("passkey registered", "alg", resp.Alg)
	return Passkey{ID: cred.ID, Alg: resp.Alg}, nil
}
