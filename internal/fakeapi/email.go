package fakeapi

import (
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/nopwd/internal/util"
)

// RequestEmail handles POST /email/requests. The magic link is recorded in
// the outbox instead of being sent.
func (s *Server) RequestEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email               string `json:"email"`
		CallbackURI         string `json:"callback_uri"`
		CodeChallenge       string `json:"code_challenge"`
		CodeChallengeMethod string `json:"code_challenge_method"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	addr, err := mail.ParseAddress(req.Email)
	if err != nil || addr.Address != strings.TrimSpace(req.Email) {
		s.audit.logFailure(AuditEmailRejected, r, "invalid email")
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	link, err := url.Parse(req.CallbackURI)
	if err != nil || !link.IsAbs() {
		writeError(w, http.StatusBadRequest, "invalid callback_uri")
		return
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		writeError(w, http.StatusBadRequest, "unsupported code_challenge_method")
		return
	}

	code := newID()
	q := link.Query()
	q.Set("code", code)
	link.RawQuery = q.Encode()

	now := s.now()
	s.mu.Lock()
	u := s.userByEmail(addr.Address)
	s.codes[code] = &emailCode{
		sub:           u.sub,
		codeChallenge: req.CodeChallenge,
		expiresAt:     now.Add(defaultCodeTTL),
	}
	for c, ec := range s.codes {
		if now.After(ec.expiresAt) {
			delete(s.codes, c)
		}
	}
	m := Mail{Email: u.email, Code: code, Link: link.String(), ExpiresAt: now.Add(defaultCodeTTL)}
	s.outbox[u.email] = m
	mailer := s.mailer
	s.mu.Unlock()

	if mailer != nil {
		mailer(m)
	}
	s.audit.logEvent(AuditEmailRequested, r, u.sub)
	writeJSON(w, http.StatusAccepted, struct {
		ExpiresAt int64 `json:"expires_at"`
	}{m.ExpiresAt.Unix()})
}

// ExchangeCode handles POST /email/tokens. A code is consumed by the first
// exchange attempt whether or not it succeeds.
func (s *Server) ExchangeCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code         string `json:"code"`
		CodeVerifier string `json:"code_verifier"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	ec, ok := s.codes[req.Code]
	delete(s.codes, req.Code)
	s.mu.Unlock()

	switch {
	case !ok:
		s.audit.logFailure(AuditEmailRejected, r, "unknown code")
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	case s.now().After(ec.expiresAt):
		s.audit.logFailure(AuditEmailRejected, r, "expired code", slog.String("sub", ec.sub))
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	case ec.codeChallenge != "" && util.EncodeBase64URL(util.SHA256([]byte(req.CodeVerifier))) != ec.codeChallenge:
		s.audit.logFailure(AuditEmailRejected, r, "code verifier mismatch", slog.String("sub", ec.sub))
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	}

	tok, err := s.mint(ec.sub, []string{"email"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	s.audit.logEvent(AuditEmailExchanged, r, ec.sub)
	writeJSON(w, http.StatusOK, struct {
		AccessToken string `json:"access_token"`
	}{tok})
}

// LastMail returns the most recent magic link sent to email.
func (s *Server) LastMail(email string) (Mail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[strings.ToLower(email)]
	return m, ok
}

// ExpireCodes marks every outstanding code as expired.
func (s *Server) ExpireCodes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	past := s.now().Add(-time.Second)
	for _, ec := range s.codes {
		ec.expiresAt = past
	}
}
