package fakeapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/nopwd/crypto"
	"github.com/jmcleod/nopwd/internal/util"
)

type createSessionRequest struct {
	PublicKey   json.RawMessage `json:"public_key"`
	IdleTimeout int64           `json:"idle_timeout"`
	Lifetime    int64           `json:"lifetime"`
	AccessToken string          `json:"access_token"`
}

type createSessionResponse struct {
	SessionID     string   `json:"session_id"`
	NextChallenge string   `json:"next_challenge"`
	IdleTimeout   int64    `json:"idle_timeout"`
	ExpiresAt     int64    `json:"expires_at"`
	CreatedAt     int64    `json:"created_at"`
	CreatedWith   []string `json:"created_with"`
	UsedAt        int64    `json:"used_at"`
}

// CreateSession handles POST /sessions.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := s.parse(req.AccessToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}
	if _, err := crypto.ParsePublicJWK(req.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, "invalid public key: "+err.Error())
		return
	}
	if req.Lifetime <= 0 {
		writeError(w, http.StatusBadRequest, "lifetime must be positive")
		return
	}
	lifetime := min(time.Duration(req.Lifetime)*time.Second, maxSessionLifetime)
	idle := time.Duration(req.IdleTimeout) * time.Second
	if idle <= 0 || idle > lifetime {
		idle = lifetime
	}

	challenge, err := util.RandomBytes(challengeBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create challenge")
		return
	}
	now := s.now()
	sess := &authSession{
		id:          newID(),
		sub:         claims.Subject,
		amr:         slices.Clone(claims.Amr),
		publicKey:   slices.Clone(req.PublicKey),
		challenge:   challenge,
		createdAt:   now,
		expiresAt:   now.Add(lifetime),
		usedAt:      now,
		idleTimeout: idle,
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.audit.logEvent(AuditSessionCreated, r, sess.sub, slog.String("session_id", sess.id))
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:     sess.id,
		NextChallenge: util.EncodeBase64URL(challenge),
		IdleTimeout:   int64(idle / time.Second),
		ExpiresAt:     sess.expiresAt.Unix(),
		CreatedAt:     unixOrZero(sess.createdAt),
		CreatedWith:   sess.amr,
		UsedAt:        sess.usedAt.Unix(),
	})
}

// RefreshSession handles POST /sessions/{sessionID}/tokens. The signature
// must cover the session's current challenge; the challenge rotates on
// success so a signature can never be replayed.
func (s *Server) RefreshSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sig, err := util.DecodeBase64URL(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding")
		return
	}
	id := chi.URLParam(r, "sessionID")
	now := s.now()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if sess.expired(now) {
		delete(s.sessions, id)
		s.mu.Unlock()
		s.audit.logFailure(AuditSessionRejected, r, "session expired", slog.String("session_id", id))
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}
	if err := crypto.VerifySignature(sess.publicKey, sess.challenge, sig); err != nil {
		s.mu.Unlock()
		s.audit.logFailure(AuditSessionRejected, r, "bad signature", slog.String("session_id", id))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	next, err := util.RandomBytes(challengeBytes)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "failed to create challenge")
		return
	}
	sess.challenge = next
	sess.usedAt = now
	sub, amr := sess.sub, slices.Clone(sess.amr)
	s.mu.Unlock()

	tok, err := s.mint(sub, amr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	s.audit.logEvent(AuditSessionRefreshed, r, sub, slog.String("session_id", id))
	writeJSON(w, http.StatusOK, struct {
		AccessToken   string `json:"access_token"`
		NextChallenge string `json:"next_challenge"`
	}{
		AccessToken:   tok,
		NextChallenge: util.EncodeBase64URL(next),
	})
}

// DeleteSession handles DELETE /sessions/{sessionID}.
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.audit.logEvent(AuditSessionRevoked, r, sess.sub, slog.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// SessionCount returns the number of live server-side sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ForgetSession drops a session server-side, as if it had been revoked
// elsewhere.
func (s *Server) ForgetSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
