package util

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	plainText := []byte("hello world")
	aad := []byte("context")

	sealed, err := Seal(key, plainText, aad)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	opened, err := Open(key, sealed, aad)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(plainText, opened) {
		t.Errorf("expected %s, got %s", plainText, opened)
	}

	again, _ := Seal(key, plainText, aad)
	if bytes.Equal(sealed, again) {
		t.Error("two seals of the same plaintext should differ")
	}

	t.Run("WrongAAD", func(t *testing.T) {
		if _, err := Open(key, sealed, []byte("wrong context")); !errors.Is(err, ErrOpen) {
			t.Errorf("expected ErrOpen, got %v", err)
		}
	})

	t.Run("Tampered", func(t *testing.T) {
		bad := bytes.Clone(sealed)
		bad[len(bad)-1] ^= 0xFF
		if _, err := Open(key, bad, aad); !errors.Is(err, ErrOpen) {
			t.Errorf("expected ErrOpen, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		if _, err := Open(key, sealed[:10], aad); !errors.Is(err, ErrOpen) {
			t.Errorf("expected ErrOpen, got %v", err)
		}
	})

	t.Run("BadKeySize", func(t *testing.T) {
		if _, err := Seal([]byte("too short"), plainText, aad); err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})
}

func TestDeriveWrappingKey(t *testing.T) {
	salt := bytes.Repeat([]byte{0x5a}, SaltSize)
	k1, err := DeriveWrappingKey("correct horse", salt)
	if err != nil {
		t.Fatalf("DeriveWrappingKey failed: %v", err)
	}
	if len(k1) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(k1))
	}
	again, _ := DeriveWrappingKey("correct horse", salt)
	if !bytes.Equal(k1, again) {
		t.Error("derivation should be deterministic for a fixed salt")
	}
	k2, _ := DeriveWrappingKey("battery staple", salt)
	if bytes.Equal(k1, k2) {
		t.Error("different secrets should derive different keys")
	}
	otherSalt := bytes.Repeat([]byte{0xa5}, SaltSize)
	k3, _ := DeriveWrappingKey("correct horse", otherSalt)
	if bytes.Equal(k1, k3) {
		t.Error("different salts should derive different keys")
	}
	if _, err := DeriveWrappingKey("", salt); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := DeriveWrappingKey("correct horse", salt[:8]); err == nil {
		t.Error("expected error for short salt")
	}
}

func TestDeriveArgon2idKey(t *testing.T) {
	salt := bytes.Repeat([]byte{0x01}, SaltSize)
	params := Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1}
	k1, err := DeriveArgon2idKey("secret", salt, params)
	if err != nil {
		t.Fatalf("DeriveArgon2idKey failed: %v", err)
	}
	params.Time = 2
	k2, _ := DeriveArgon2idKey("secret", salt, params)
	if bytes.Equal(k1, k2) {
		t.Error("different cost parameters should derive different keys")
	}
	if _, err := DeriveArgon2idKey("secret", salt, Argon2idParams{}); err == nil {
		t.Error("expected error for zero parameters")
	}
}

func TestWipe(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}
	b := []byte{0xff}
	Wipe(a, b, nil)
	if !bytes.Equal(a, []byte{0, 0, 0}) || b[0] != 0 {
		t.Errorf("Wipe left %v %v", a, b)
	}
}

func TestEncoding(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0xbf, 0x00, 0x10}
	encoded := EncodeBase64URL(raw)
	if encoded != "-_-_ABA" {
		t.Fatalf("EncodeBase64URL = %q", encoded)
	}

	for _, in := range []string{"-_-_ABA", "-_-_ABA=", "+/+/ABA", "+/+/ABA="} {
		decoded, err := DecodeBase64URL(in)
		if err != nil {
			t.Fatalf("DecodeBase64URL(%q) failed: %v", in, err)
		}
		if !bytes.Equal(decoded, raw) {
			t.Errorf("DecodeBase64URL(%q) = %x", in, decoded)
		}
	}

	if _, err := DecodeBase64URL("not base64!"); err == nil {
		t.Error("expected error for invalid input")
	}

	normalized := Normalize("  cafe\u0301 ")
	if normalized != "caf\u00e9" {
		t.Errorf("Normalize failed, got %q", normalized)
	}
	if got := Normalize("\uff41lice@example.com"); got != "alice@example.com" {
		t.Errorf("Normalize should fold compatibility forms, got %q", got)
	}
}

func TestSHA256(t *testing.T) {
	sum := SHA256([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if hex.EncodeToString(sum) != want {
		t.Errorf("SHA256 = %x", sum)
	}
}

func TestRandom(t *testing.T) {
	t.Run("RandomBytes", func(t *testing.T) {
		b1, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		b2, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		if len(b1) != 32 {
			t.Errorf("expected 32 bytes, got %d", len(b1))
		}
		if bytes.Equal(b1, b2) {
			t.Error("RandomBytes should produce different outputs")
		}
	})

	t.Run("RandomString", func(t *testing.T) {
		s1, err := RandomString(24)
		if err != nil {
			t.Fatalf("RandomString failed: %v", err)
		}
		s2, _ := RandomString(24)
		if len(s1) != 32 {
			t.Errorf("expected 32 characters for 24 bytes, got %d", len(s1))
		}
		if s1 == s2 {
			t.Error("RandomString should produce different outputs")
		}
		if _, err := DecodeBase64URL(s1); err != nil {
			t.Errorf("RandomString output is not base64url: %v", err)
		}
	})
}
