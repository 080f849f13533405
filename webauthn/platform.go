package webauthn

import (
	"context"

	"github.com/go-webauthn/webauthn/protocol"
)

// Mediation controls how the platform presents a credential request.
type Mediation string

const (
	// MediationConditional offers passkeys through autofill without a modal prompt.
	MediationConditional Mediation = "conditional"
	MediationOptional    Mediation = "optional"
	MediationRequired    Mediation = "required"
	MediationSilent      Mediation = "silent"
)

// Platform is the host's credential manager. Implementations return a nil
// response and nil error when the user dismisses the prompt, and must honour
// ctx cancellation.
type Platform interface {
	ConditionalMediationAvailable(ctx context.Context) bool
	CreateCredential(ctx context.Context, opts protocol.PublicKeyCredentialCreationOptions) (*protocol.CredentialCreationResponse, error)
	GetAssertion(ctx context.Context, opts protocol.PublicKeyCredentialRequestOptions, mediation Mediation) (*protocol.CredentialAssertionResponse, error)
}
