package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nopwd/internal/util"
)

func TestSignAndVerify(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	defer key.Destroy()

	jwk, err := key.PublicJWK()
	require.NoError(t, err)

	msg := []byte("next-challenge")
	sig, err := key.Sign(msg)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)

	require.NoError(t, VerifySignature(jwk, msg, sig))
	assert.ErrorIs(t, VerifySignature(jwk, []byte("other"), sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(jwk, msg, sig[:63]), ErrInvalidSignature)
}

func TestPublicJWKShape(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	defer key.Destroy()

	jwk, err := key.PublicJWK()
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(jwk, &fields))
	assert.Equal(t, "EC", fields["kty"])
	assert.Equal(t, "P-256", fields["crv"])
	assert.NotEmpty(t, fields["x"])
	assert.NotEmpty(t, fields["y"])
	assert.Empty(t, fields["d"], "public JWK must not contain the private scalar")
}

func TestSealOpen(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	defer key.Destroy()

	wrap, err := util.NewKey()
	require.NoError(t, err)
	aad := []byte("nopwd:SESSION:current")

	sealed, err := key.Seal(wrap, aad)
	require.NoError(t, err)

	opened, err := OpenPrivateKey(sealed, wrap, aad)
	require.NoError(t, err)
	defer opened.Destroy()

	jwk1, _ := key.PublicJWK()
	jwk2, _ := opened.PublicJWK()
	assert.JSONEq(t, string(jwk1), string(jwk2))

	sig, err := opened.Sign([]byte("m"))
	require.NoError(t, err)
	assert.NoError(t, VerifySignature(jwk1, []byte("m"), sig))

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenPrivateKey(sealed, wrap, []byte("other"))
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := util.NewKey()
		_, err := OpenPrivateKey(sealed, other, aad)
		assert.Error(t, err)
	})
}

func TestDestroy(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	key.Destroy()
	key.Destroy()

	_, err = key.Sign([]byte("m"))
	assert.ErrorIs(t, err, ErrKeyDestroyed)
	_, err = key.PublicJWK()
	assert.ErrorIs(t, err, ErrKeyDestroyed)
	_, err = key.Seal(make([]byte, 32), nil)
	assert.ErrorIs(t, err, ErrKeyDestroyed)

	var nilKey *PrivateKey
	nilKey.Destroy()
}

func TestParsePublicJWKRejectsGarbage(t *testing.T) {
	_, err := ParsePublicJWK([]byte(`{"kty":"oct","k":"AAAA"}`))
	assert.Error(t, err)
	_, err = ParsePublicJWK([]byte(`not json`))
	assert.Error(t, err)
}
