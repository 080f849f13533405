package webauthn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
)

// VirtualPlatform is a software authenticator. It stands in for a browser's
// credential manager in tests and dev tooling.
type VirtualPlatform struct {
	mu            sync.Mutex
	rp            virtualwebauthn.RelyingParty
	authenticator virtualwebauthn.Authenticator
	credentials   []virtualwebauthn.Credential
	available     bool
	dismiss       bool
}

var _ Platform = (*VirtualPlatform)(nil)

// NewVirtualPlatform returns an available platform for rp with no credentials.
func NewVirtualPlatform(rp virtualwebauthn.RelyingParty) *VirtualPlatform {
	return &VirtualPlatform{
		rp:            rp,
		authenticator: virtualwebauthn.NewAuthenticator(),
		available:     true,
	}
}

// SetAvailable toggles conditional mediation support.
func (p *VirtualPlatform) SetAvailable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = v
}

// SetDismiss makes every following prompt resolve empty, as if the user
// closed it.
func (p *VirtualPlatform) SetDismiss(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dismiss = v
}

// CredentialCount returns the number of passkeys created so far.
func (p *VirtualPlatform) CredentialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.credentials)
}

func (p *VirtualPlatform) ConditionalMediationAvailable(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *VirtualPlatform) CreateCredential(ctx context.Context, opts protocol.PublicKeyCredentialCreationOptions) (*protocol.CredentialCreationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dismiss {
		return nil, nil
	}

	rp := p.rp
	if opts.RelyingParty.ID == "" {
		opts.RelyingParty.ID = rp.ID
	}
	if opts.RelyingParty.Name != "" {
		rp.Name = opts.RelyingParty.Name
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding creation options: %w", err)
	}
	parsed, err := virtualwebauthn.ParseAttestationOptions(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing creation options: %w", err)
	}

	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	attestation := virtualwebauthn.CreateAttestationResponse(rp, p.authenticator, cred, *parsed)

	var resp protocol.CredentialCreationResponse
	if err := json.Unmarshal([]byte(attestation), &resp); err != nil {
		return nil, fmt.Errorf("decoding attestation: %w", err)
	}
	p.authenticator.AddCredential(cred)
	p.credentials = append(p.credentials, cred)
	return &resp, nil
}

// GetAssertion signs with the newest credential, or the newest one listed in
// opts.AllowedCredentials. With no usable credential a conditional request
// stays pending until ctx is done; other mediations resolve empty.
func (p *VirtualPlatform) GetAssertion(ctx context.Context, opts protocol.PublicKeyCredentialRequestOptions, mediation Mediation) (*protocol.CredentialAssertionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	cred, ok := p.pick(opts.AllowedCredentials)
	dismiss := p.dismiss
	rp := p.rp
	authenticator := p.authenticator
	p.mu.Unlock()

	if dismiss {
		return nil, nil
	}
	if !ok {
		if mediation == MediationConditional {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, nil
	}

	if opts.RelyingPartyID == "" {
		opts.RelyingPartyID = rp.ID
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding request options: %w", err)
	}
	parsed, err := virtualwebauthn.ParseAssertionOptions(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing request options: %w", err)
	}

	assertion := virtualwebauthn.CreateAssertionResponse(rp, authenticator, cred, *parsed)
	var resp protocol.CredentialAssertionResponse
	if err := json.Unmarshal([]byte(assertion), &resp); err != nil {
		return nil, fmt.Errorf("decoding assertion: %w", err)
	}
	return &resp, nil
}

func (p *VirtualPlatform) pick(allowed []protocol.CredentialDescriptor) (virtualwebauthn.Credential, bool) {
	for i := len(p.credentials) - 1; i >= 0; i-- {
		cred := p.credentials[i]
		if len(allowed) == 0 {
			return cred, true
		}
		for _, d := range allowed {
			if bytes.Equal(d.CredentialID, cred.ID) {
				return cred, true
			}
		}
	}
	return virtualwebauthn.Credential{}, false
}
