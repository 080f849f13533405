package fakeapi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/nopwd/internal/util"
)

// user is an account known to the fake service. The WebAuthn user handle is
// SHA-256 of the subject, as the SDK computes it when registering.
type user struct {
	sub         string
	email       string
	credentials []webauthn.Credential
}

func (u *user) WebAuthnID() []byte                         { return util.SHA256([]byte(u.sub)) }
func (u *user) WebAuthnName() string                       { return u.sub }
func (u *user) WebAuthnDisplayName() string                { return u.sub }
func (u *user) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// emailCode is an outstanding magic-link code.
type emailCode struct {
	sub           string
	codeChallenge string
	expiresAt     time.Time
}

// Mail is a magic link that would have been emailed.
type Mail struct {
	Email     string
	Code      string
	Link      string
	ExpiresAt time.Time
}

// authSession is a server-side session bound to a client public key.
type authSession struct {
	id          string
	sub         string
	amr         []string
	publicKey   json.RawMessage
	challenge   []byte
	createdAt   time.Time
	expiresAt   time.Time
	usedAt      time.Time
	idleTimeout time.Duration
}

func (s *authSession) expired(now time.Time) bool {
	if now.After(s.expiresAt) {
		return true
	}
	return s.idleTimeout > 0 && now.After(s.usedAt.Add(s.idleTimeout))
}

// userByEmail returns the user for email, creating it on first use. Emails
// are case-insensitive. The caller must hold s.mu.
func (s *Server) userByEmail(email string) *user {
	email = strings.ToLower(email)
	if sub, ok := s.emails[email]; ok {
		return s.users[sub]
	}
	u := &user{sub: newID(), email: email}
	s.users[u.sub] = u
	s.emails[email] = u.sub
	return u
}
