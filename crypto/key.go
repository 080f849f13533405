// Package crypto holds the device-bound signing key used to refresh sessions.
//
// A PrivateKey is an opaque handle: the scalar lives in a memguard Enclave and
// is only decrypted for the duration of a Sign or Seal call. There is no
// accessor for raw key material.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/go-jose/go-jose/v4"

	"github.com/jmcleod/nopwd/internal/util"
)

// SignatureSize is the length of an IEEE P1363 P-256 signature (r||s).
const SignatureSize = 64

const scalarSize = 32

var (
	// ErrKeyDestroyed is returned by operations on a destroyed key.
	ErrKeyDestroyed = errors.New("key destroyed")
	// ErrInvalidSignature is returned by VerifySignature.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnsupportedKey is returned for JWKs that are not P-256 public keys.
	ErrUnsupportedKey = errors.New("unsupported key")
)

// PrivateKey is a non-extractable ECDSA P-256 key handle.
// Call Destroy when done.
type PrivateKey struct {
	mu     sync.RWMutex
	scalar *memguard.Enclave
	public *ecdsa.PublicKey
}

// GenerateKey creates a new P-256 key.
func GenerateKey() (*PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	d, err := priv.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}
	return &PrivateKey{
		scalar: memguard.NewEnclave(d),
		public: &priv.PublicKey,
	}, nil
}

// withKey decrypts the scalar, rebuilds the ecdsa key and passes it to fn.
// The plaintext buffer is destroyed before returning.
func (k *PrivateKey) withKey(fn func(priv *ecdsa.PrivateKey, d []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.scalar == nil {
		return ErrKeyDestroyed
	}
	buf, err := k.scalar.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), buf.Bytes())
	if err != nil {
		return fmt.Errorf("decoding key: %w", err)
	}
	return fn(priv, buf.Bytes())
}

// Sign signs SHA-256(msg) and returns the 64-byte r||s encoding.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	var sig []byte
	err := k.withKey(func(priv *ecdsa.PrivateKey, _ []byte) error {
		r, s, err := ecdsa.Sign(rand.Reader, priv, util.SHA256(msg))
		if err != nil {
			return fmt.Errorf("signing: %w", err)
		}
		sig = make([]byte, SignatureSize)
		r.FillBytes(sig[:scalarSize])
		s.FillBytes(sig[scalarSize:])
		return nil
	})
	return sig, err
}

// PublicJWK returns the public half as a JSON Web Key.
func (k *PrivateKey) PublicJWK() (json.RawMessage, error) {
	k.mu.RLock()
	pub := k.public
	k.mu.RUnlock()
	if pub == nil {
		return nil, ErrKeyDestroyed
	}
	jwk := jose.JSONWebKey{Key: pub, Algorithm: "ES256", Use: "sig"}
	data, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding jwk: %w", err)
	}
	return data, nil
}

// Seal encrypts the key with wrappingKey (AES-256-GCM) bound to aad.
func (k *PrivateKey) Seal(wrappingKey, aad []byte) ([]byte, error) {
	var sealed []byte
	err := k.withKey(func(_ *ecdsa.PrivateKey, d []byte) error {
		var err error
		sealed, err = util.Seal(wrappingKey, d, aad)
		return err
	})
	return sealed, err
}

// Destroy drops the enclave. The handle must not be used afterwards.
func (k *PrivateKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.scalar = nil
	k.public = nil
}

// OpenPrivateKey reverses Seal.
func OpenPrivateKey(sealed, wrappingKey, aad []byte) (*PrivateKey, error) {
	d, err := util.Open(wrappingKey, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("unsealing key: %w", err)
	}
	priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), d)
	if err != nil {
		util.Wipe(d)
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	return &PrivateKey{
		scalar: memguard.NewEnclave(d),
		public: &priv.PublicKey,
	}, nil
}

// ParsePublicJWK decodes a P-256 public JWK.
func ParsePublicJWK(data []byte) (*ecdsa.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("decoding jwk: %w", err)
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

// VerifySignature checks an r||s signature over SHA-256(msg) against a public JWK.
func VerifySignature(jwk, msg, sig []byte) error {
	pub, err := ParsePublicJWK(jwk)
	if err != nil {
		return err
	}
	if len(sig) != SignatureSize {
		return ErrInvalidSignature
	}
	r := new(big.Int).SetBytes(sig[:scalarSize])
	s := new(big.Int).SetBytes(sig[scalarSize:])
	if !ecdsa.Verify(pub, util.SHA256(msg), r, s) {
		return ErrInvalidSignature
	}
	return nil
}
