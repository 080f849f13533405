// Package token decodes access tokens locally and verifies or revokes them
// against the service.
package token

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/nopwd"
)

// Payload holds the claims of an access token. Times are epoch seconds.
type Payload struct {
	Sub string   `json:"sub"`
	Aud string   `json:"aud"`
	Exp int64    `json:"exp"`
	Iat int64    `json:"iat"`
	Iss string   `json:"iss"`
	Jti string   `json:"jti"`
	Amr []string `json:"amr"`
}

// ExpiresAt returns the exp claim as a time.
func (p Payload) ExpiresAt() time.Time { return time.Unix(p.Exp, 0) }

// IssuedAt returns the iat claim as a time.
func (p Payload) IssuedAt() time.Time { return time.Unix(p.Iat, 0) }

// Expired reports whether the token has expired at now.
func (p Payload) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt())
}

// HasMethod reports whether the amr claim lists method.
func (p Payload) HasMethod(method string) bool {
	return slices.Contains(p.Amr, method)
}

type claims struct {
	jwt.RegisteredClaims
	Amr []string `json:"amr,omitempty"`
}

// Decode extracts the payload of tok without verifying its signature.
// Only the middle segment is read; the header may be anything.
func Decode(tok string) (Payload, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return Payload{}, fmt.Errorf("token must have 3 segments: %w", nopwd.ErrInvalidToken)
	}

	raw, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: decoding payload: %w", nopwd.ErrInvalidToken, err)
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Payload{}, fmt.Errorf("%w: parsing payload: %w", nopwd.ErrInvalidToken, err)
	}

	p := Payload{
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
	return p, nil
}
