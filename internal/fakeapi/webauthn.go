package fakeapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/jmcleod/nopwd/internal/util"
)

// GetChallenge handles GET /webauthn/challenge.
func (s *Server) GetChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := util.RandomString(challengeBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create challenge")
		return
	}
	now := s.now()
	expiresAt := now.Add(challengeTTL)

	s.mu.Lock()
	for c, exp := range s.challenges {
		if now.After(exp) {
			delete(s.challenges, c)
		}
	}
	s.challenges[ch] = expiresAt
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, struct {
		Challenge string `json:"challenge"`
		ExpiresAt int64  `json:"expires_at"`
	}{ch, expiresAt.Unix()})
}

type registerPasskeyRequest struct {
	ID                string `json:"id"`
	ClientData        string `json:"client_data"`
	AttestationObject string `json:"attestation_object"`
	AccessToken       string `json:"access_token"`
}

// RegisterPasskey handles POST /webauthn/passkeys. The registration challenge
// is the jti of the access token, so each token registers at most one
// passkey.
func (s *Server) RegisterPasskey(w http.ResponseWriter, r *http.Request) {
	var req registerPasskeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := s.parse(req.AccessToken)
	if err != nil {
		s.audit.logFailure(AuditPasskeyRejected, r, "invalid access token")
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}

	body, err := json.Marshal(map[string]any{
		"id":    req.ID,
		"rawId": req.ID,
		"type":  string(protocol.PublicKeyCredentialType),
		"response": map[string]string{
			"clientDataJSON":    req.ClientData,
			"attestationObject": req.AttestationObject,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode credential")
		return
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed credential")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.passkeyJTI[claims.ID] {
		s.audit.logFailure(AuditPasskeyRejected, r, "token already used", slog.String("sub", claims.Subject))
		writeError(w, http.StatusForbidden, "token already used for registration")
		return
	}
	s.passkeyJTI[claims.ID] = true

	u, ok := s.users[claims.Subject]
	if !ok {
		u = &user{sub: claims.Subject}
		s.users[u.sub] = u
	}
	_, sd, err := s.webauthn.BeginRegistration(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to begin registration")
		return
	}
	sd.Challenge = claims.ID
	sd.UserVerification = protocol.VerificationRequired

	cred, err := s.webauthn.CreateCredential(u, *sd, parsed)
	if err != nil {
		s.audit.logFailure(AuditPasskeyRejected, r, err.Error(), slog.String("sub", u.sub))
		writeError(w, http.StatusBadRequest, "credential rejected")
		return
	}
	u.credentials = append(u.credentials, *cred)
	id := util.EncodeBase64URL(cred.ID)
	s.credOwners[id] = u.sub

	s.audit.logEvent(AuditPasskeyRegistered, r, u.sub, slog.String("credential_id", id))
	writeJSON(w, http.StatusCreated, struct {
		ID  string `json:"id"`
		Alg string `json:"alg"`
	}{id, "ES256"})
}

type assertionRequest struct {
	ID                string `json:"id"`
	Signature         string `json:"signature"`
	AuthenticatorData string `json:"authenticator_data"`
	ClientData        string `json:"client_data"`
}

// VerifyAssertion handles POST /webauthn/tokens. The challenge embedded in
// the client data must have been issued by GetChallenge and is consumed.
func (s *Server) VerifyAssertion(w http.ResponseWriter, r *http.Request) {
	var req assertionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	body, err := json.Marshal(map[string]any{
		"id":    req.ID,
		"rawId": req.ID,
		"type":  string(protocol.PublicKeyCredentialType),
		"response": map[string]string{
			"clientDataJSON":    req.ClientData,
			"authenticatorData": req.AuthenticatorData,
			"signature":         req.Signature,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode assertion")
		return
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed assertion")
		return
	}

	challenge := parsed.Response.CollectedClientData.Challenge
	now := s.now()

	s.mu.Lock()
	exp, ok := s.challenges[challenge]
	delete(s.challenges, challenge)
	if !ok || now.After(exp) {
		s.mu.Unlock()
		s.audit.logFailure(AuditPasskeyRejected, r, "unknown challenge")
		writeError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	sub, ok := s.credOwners[util.EncodeBase64URL(parsed.RawID)]
	if !ok {
		s.mu.Unlock()
		s.audit.logFailure(AuditPasskeyRejected, r, "unknown passkey")
		writeError(w, http.StatusNotFound, "unknown passkey")
		return
	}
	u := s.users[sub]
	_, sd, err := s.webauthn.BeginLogin(u)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "failed to begin login")
		return
	}
	sd.Challenge = challenge
	sd.UserVerification = protocol.VerificationRequired

	cred, err := s.webauthn.ValidateLogin(u, *sd, parsed)
	if err != nil {
		s.mu.Unlock()
		s.audit.logFailure(AuditPasskeyRejected, r, err.Error(), slog.String("sub", sub))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	for i := range u.credentials {
		if bytes.Equal(u.credentials[i].ID, cred.ID) {
			u.credentials[i].Authenticator.SignCount = cred.Authenticator.SignCount
		}
	}
	s.mu.Unlock()

	tok, err := s.mint(sub, []string{"webauthn"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	s.audit.logEvent(AuditPasskeyLogin, r, sub)
	writeJSON(w, http.StatusOK, struct {
		AccessToken string `json:"access_token"`
	}{tok})
}

// PasskeyCount returns the number of passkeys registered for email.
func (s *Server) PasskeyCount(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return 0
	}
	return len(s.users[sub].credentials)
}
