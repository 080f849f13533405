// Package session owns the local authentication state: it creates a session
// from an access token, keeps its token fresh by signing the server's
// rotating challenge with a locally held key, enforces absolute and idle
// expiry, and broadcasts every state change to listeners.
package session

import (
	"slices"
	"time"

	"github.com/jmcleod/nopwd/internal/event"
	"github.com/jmcleod/nopwd/token"
)

// Session is an immutable snapshot of the current session. Every refresh
// produces a new value.
type Session struct {
	ID              string
	CreatedAt       time.Time
	CreatedWith     []string
	ExpiresAt       time.Time
	UsedAt          time.Time
	IdleTimeout     time.Duration
	Token           string
	TokenPayload    token.Payload
	SuggestPasskeys bool
}

// IdleDeadline is the instant after which the session ends unless refreshed.
func (s Session) IdleDeadline() time.Time {
	return s.UsedAt.Add(s.IdleTimeout)
}

func (s Session) clone() Session {
	s.CreatedWith = slices.Clone(s.CreatedWith)
	s.TokenPayload.Amr = slices.Clone(s.TokenPayload.Amr)
	return s
}

// State is the authentication state delivered to listeners. It is one of
// Authenticated, Unauthenticated or Unknown.
type State interface {
	String() string
	isState()
}

// Authenticated carries the current session.
type Authenticated struct {
	Session Session
}

// Unauthenticated means there is no usable session.
type Unauthenticated struct{}

// Unknown means the state has not been determined yet.
type Unknown struct{}

func (Authenticated) String() string   { return "authenticated" }
func (Unauthenticated) String() string { return "unauthenticated" }
func (Unknown) String() string         { return "unknown" }

func (Authenticated) isState()   {}
func (Unauthenticated) isState() {}
func (Unknown) isState()         {}

// ListenerID identifies a state listener.
type ListenerID = event.ListenerID
