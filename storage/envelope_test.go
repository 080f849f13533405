package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nopwd/internal/util"
)

func TestSealAndOpenRecord(t *testing.T) {
	key, err := util.NewKey()
	require.NoError(t, err)
	plain := []byte(`{"session_id":"s1"}`)
	aad := []byte("nopwd:SESSION:current")

	env, err := SealRecord(key, plain, aad)
	require.NoError(t, err)
	assert.Equal(t, envelopeVer, env.Ver)
	assert.Equal(t, envelopeScheme, env.Scheme)
	assert.Len(t, env.Nonce, gcmNonceSize)
	assert.Zero(t, env.Version)

	got, err := OpenRecord(key, env, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	otherKey, err := util.NewKey()
	require.NoError(t, err)
	withVer := func(v int) *Envelope { cp := env.Clone(); cp.Ver = v; return cp }
	withScheme := func(s string) *Envelope { cp := env.Clone(); cp.Scheme = s; return cp }

	tests := []struct {
		name    string
		key     []byte
		env     *Envelope
		aad     []byte
		wantErr error
	}{
		{"wrong aad", key, env, []byte("nopwd:SESSION:other"), util.ErrOpen},
		{"wrong key", otherKey, env, aad, util.ErrOpen},
		{"unknown version", key, withVer(99), aad, ErrUnsupportedEnvelope},
		{"unknown scheme", key, withScheme("chacha"), aad, ErrUnsupportedEnvelope},
		{"nil envelope", key, nil, aad, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenRecord(tt.key, tt.env, tt.aad)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSealRecordVersionAndClone(t *testing.T) {
	key, err := util.NewKey()
	require.NoError(t, err)
	env, err := SealRecord(key, []byte("v"), nil, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), env.Version)

	cp := env.Clone()
	cp.Nonce[0] ^= 0xff
	cp.Ciphertext[0] ^= 0xff
	assert.NotEqual(t, cp.Nonce, env.Nonce)
	assert.NotEqual(t, cp.Ciphertext, env.Ciphertext)
	assert.Equal(t, env.Version, cp.Version)
	assert.Nil(t, (*Envelope)(nil).Clone())

	_, err = OpenRecord(key, cp, nil)
	assert.ErrorIs(t, err, util.ErrOpen)
}

func TestPlainRecord(t *testing.T) {
	salt := []byte("0123456789abcdef")
	env := PlainRecord(salt, 1)
	assert.Equal(t, uint64(1), env.Version)

	got, err := PlainData(env)
	require.NoError(t, err)
	assert.Equal(t, salt, got)
	got[0] = 'x'
	assert.Equal(t, byte('0'), env.Ciphertext[0], "PlainData returns a copy")

	key, err := util.NewKey()
	require.NoError(t, err)
	_, err = OpenRecord(key, env, nil)
	assert.ErrorIs(t, err, ErrUnsupportedEnvelope)

	sealed, err := SealRecord(key, salt, nil)
	require.NoError(t, err)
	_, err = PlainData(sealed)
	assert.ErrorIs(t, err, ErrUnsupportedEnvelope)
}
