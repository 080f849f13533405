package email

import (
	"fmt"
	"net/url"
	"sync"
)

// Location is the address the magic link returns to, with the ability to
// rewrite it once the code has been consumed.
type Location interface {
	URL() *url.URL
	Replace(u *url.URL)
}

type location struct {
	mu sync.Mutex
	u  *url.URL
}

// NewLocation returns an in-memory Location starting at rawURL.
func NewLocation(rawURL string) (Location, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing location: %w", err)
	}
	return &location{u: u}, nil
}

func (l *location) URL() *url.URL {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *l.u
	return &cp
}

func (l *location) Replace(u *url.URL) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *u
	l.u = &cp
}

// VerifierStore keeps the PKCE code verifier between Request and
// HandleCallbackCode.
type VerifierStore interface {
	Get() (string, bool)
	Set(verifier string)
	Delete()
}

type memoryVerifierStore struct {
	mu       sync.Mutex
	verifier string
	ok       bool
}

// NewMemoryVerifierStore returns a process-local VerifierStore.
func NewMemoryVerifierStore() VerifierStore {
	return &memoryVerifierStore{}
}

func (s *memoryVerifierStore) Get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifier, s.ok
}

func (s *memoryVerifierStore) Set(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier, s.ok = v, true
}

func (s *memoryVerifierStore) Delete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier, s.ok = "", false
}
