package fakeapi

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/nopwd/internal/util"
	"github.com/jmcleod/nopwd/token"
)

var errTokenRevoked = errors.New("token revoked")

type tokenClaims struct {
	jwt.RegisteredClaims
	Amr []string `json:"amr,omitempty"`
}

func newID() string {
	return uuid.NewString()
}

// IssueToken mints an access token for the user with email, creating the
// user if needed.
func (s *Server) IssueToken(email string, amr ...string) (string, error) {
	s.mu.Lock()
	u := s.userByEmail(email)
	s.mu.Unlock()
	return s.mint(u.sub, amr)
}

// mint signs a new ES256 access token. The jti doubles as a passkey
// registration challenge, so it is base64url of random bytes.
func (s *Server) mint(sub string, amr []string) (string, error) {
	jti, err := util.RandomString(challengeBytes)
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  jwt.ClaimStrings{s.rpID},
			Issuer:    s.issuerID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
		Amr: amr,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.issuer)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// parse verifies the signature, expiry and revocation of tok.
func (s *Server) parse(tok string) (*tokenClaims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return &s.issuer.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuerID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, errTokenRevoked
	}
	return &claims, nil
}

func payloadOf(c *tokenClaims) token.Payload {
	p := token.Payload{
		Sub: c.Subject,
		Iss: c.Issuer,
		Jti: c.ID,
		Amr: c.Amr,
	}
	if len(c.Audience) > 0 {
		p.Aud = c.Audience[0]
	}
	if c.ExpiresAt != nil {
		p.Exp = c.ExpiresAt.Unix()
	}
	if c.IssuedAt != nil {
		p.Iat = c.IssuedAt.Unix()
	}
	return p
}

// PublicKey returns the token signing key.
func (s *Server) PublicKey() *ecdsa.PublicKey {
	return &s.issuer.PublicKey
}

// VerifyToken handles GET /tokens/{token}.
func (s *Server) VerifyToken(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parse(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, payloadOf(claims))
}

// RevokeToken handles DELETE /tokens/{token}.
func (s *Server) RevokeToken(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parse(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.mu.Lock()
	s.revoked[claims.ID] = true
	s.mu.Unlock()

	s.audit.logEvent(AuditTokenRevoked, r, claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
