package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/nopwd/internal/util"
)

const (
	envelopeVer    = 1
	envelopeScheme = "aes256gcm"
	plainScheme    = "none"
	gcmNonceSize   = 12
)

// ErrUnsupportedEnvelope is returned by OpenRecord for envelopes written
// with an unknown version or scheme.
var ErrUnsupportedEnvelope = errors.New("unsupported envelope")

// Envelope is a record sealed with AES-256-GCM. Version is the
// optimistic-concurrency counter checked by PutCAS and is not covered by
// the ciphertext.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// SealRecord encrypts plaintext with key, bound to aad. The optional
// version becomes the envelope's Version.
func SealRecord(key, plaintext, aad []byte, version ...uint64) (*Envelope, error) {
	sealed, err := util.Seal(key, plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("seal record: %w", err)
	}
	env := &Envelope{
		Ver:        envelopeVer,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:gcmNonceSize:gcmNonceSize],
		Ciphertext: sealed[gcmNonceSize:],
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// OpenRecord decrypts env with key and aad.
func OpenRecord(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	switch {
	case env == nil:
		return nil, errors.New("open record: nil envelope")
	case env.Ver != envelopeVer:
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedEnvelope, env.Ver)
	case env.Scheme != envelopeScheme:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedEnvelope, env.Scheme)
	}
	sealed := make([]byte, 0, len(env.Nonce)+len(env.Ciphertext))
	sealed = append(append(sealed, env.Nonce...), env.Ciphertext...)
	return util.Open(key, sealed, aad)
}

// PlainRecord stores public data, such as a KDF salt, that needs no
// sealing. OpenRecord refuses such envelopes.
func PlainRecord(data []byte, version ...uint64) *Envelope {
	env := &Envelope{Ver: envelopeVer, Scheme: plainScheme, Ciphertext: append([]byte(nil), data...)}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env
}

// PlainData returns the contents of an envelope written by PlainRecord.
func PlainData(env *Envelope) ([]byte, error) {
	switch {
	case env == nil:
		return nil, errors.New("plain record: nil envelope")
	case env.Ver != envelopeVer:
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedEnvelope, env.Ver)
	case env.Scheme != plainScheme:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedEnvelope, env.Scheme)
	}
	return append([]byte(nil), env.Ciphertext...), nil
}

// Clone returns a deep copy of e. Repositories hand out clones so callers
// cannot alias stored bytes.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Nonce = append([]byte(nil), e.Nonce...)
	cp.Ciphertext = append([]byte(nil), e.Ciphertext...)
	return &cp
}
