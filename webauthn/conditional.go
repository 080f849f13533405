package webauthn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jmcleod/nopwd"
)

// ConditionalState is the progress of a conditional login attempt.
type ConditionalState string

const (
	StateInitializing ConditionalState = "initializing"
	StateWaiting      ConditionalState = "waiting"
	StateVerifying    ConditionalState = "verifying"
	StateDone         ConditionalState = "done"
	StateError        ConditionalState = "error"
	StateIdle         ConditionalState = "idle"
)

const (
	defaultConditionalAttempts = 3
	defaultConditionalInterval = 500 * time.Millisecond
)

// Conditional runs autofill-style passkey logins. At most one attempt is
// outstanding; starting a new one aborts the previous.
type Conditional struct {
	client      *Client
	maxAttempts uint
	interval    time.Duration
	onState     func(ConditionalState)

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// ConditionalOption configures a Conditional.
type ConditionalOption func(*Conditional)

// WithMaxAttempts bounds how many times a challenge fetch is tried on
// network failure.
func WithMaxAttempts(n uint) ConditionalOption {
	return func(f *Conditional) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithRetryInterval sets the initial backoff interval.
func WithRetryInterval(d time.Duration) ConditionalOption {
	return func(f *Conditional) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithStateFunc receives every state transition.
func WithStateFunc(fn func(ConditionalState)) ConditionalOption {
	return func(f *Conditional) { f.onState = fn }
}

// NewConditional returns a conditional login flow backed by c.
func NewConditional(c *Client, opts ...ConditionalOption) *Conditional {
	f := &Conditional{
		client:      c,
		maxAttempts: defaultConditionalAttempts,
		interval:    defaultConditionalInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start aborts any attempt in flight, then fetches a challenge, waits for the
// user to pick a passkey and returns the access token it was exchanged for.
func (f *Conditional) Start(ctx context.Context) (string, error) {
	if !f.client.IsSupported(ctx) {
		return "", nopwd.ErrWebauthnNotSupported
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.seq++
	seq := f.seq
	f.cancel = cancel
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.seq == seq {
			f.cancel = nil
		}
		f.mu.Unlock()
		cancel()
	}()

	tok, err := f.run(ctx)
	switch {
	case err == nil:
		f.state(StateDone)
	case errors.Is(err, nopwd.ErrAborted):
		f.state(StateIdle)
	default:
		f.state(StateError)
	}
	return tok, err
}

func (f *Conditional) run(ctx context.Context) (string, error) {
	f.state(StateInitializing)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.interval
	ch, err := backoff.Retry(ctx, func() (Challenge, error) {
		ch, err := f.client.GetChallenge(ctx)
		if err != nil && !errors.Is(err, nopwd.ErrNetwork) {
			return ch, backoff.Permanent(err)
		}
		return ch, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(f.maxAttempts))
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", nopwd.ErrAborted, ctx.Err())
		}
		return "", err
	}

	f.state(StateWaiting)
	a, err := f.client.SignChallenge(ctx, ch.Challenge, WithMediation(MediationConditional))
	if err != nil {
		return "", err
	}

	f.state(StateVerifying)
	return f.client.VerifySignature(ctx, a)
}

// Cancel aborts the outstanding attempt, if any.
func (f *Conditional) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *Conditional) state(s ConditionalState) {
	if f.onState != nil {
		f.onState(s)
	}
}
