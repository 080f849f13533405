package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of the random salt kept beside a derived key.
const SaltSize = 16

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
	}
}

// DeriveArgon2idKey stretches secret into a KeySize key.
func DeriveArgon2idKey(secret string, salt []byte, params Argon2idParams) ([]byte, error) {
	switch {
	case secret == "":
		return nil, fmt.Errorf("argon2id secret is empty")
	case len(salt) < SaltSize:
		return nil, fmt.Errorf("argon2id salt must be at least %d bytes, got %d", SaltSize, len(salt))
	case params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0:
		return nil, fmt.Errorf("argon2id parameters must be non-zero")
	}
	return argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Parallelism, KeySize), nil
}

// DeriveWrappingKey stretches an operator supplied secret into the key
// that seals session records at rest. salt is per store.
func DeriveWrappingKey(secret string, salt []byte) ([]byte, error) {
	return DeriveArgon2idKey(secret, salt, DefaultArgon2idParams())
}
