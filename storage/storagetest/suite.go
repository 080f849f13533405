// Package storagetest holds the behavioural test suite every
// storage.Repository backend must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nopwd/storage"
)

// Run exercises repo against the storage.Repository contract. newRepo must
// return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()
	ctx := context.Background()

	env := func(payload string, version uint64) *storage.Envelope {
		return &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte(payload), Version: version}
	}

	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "current", env("one", 1)))

		got, err := repo.Get(ctx, "ns", "SESSION", "current")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Ciphertext)
		assert.Equal(t, uint64(1), got.Version)
		assert.Equal(t, "aes256gcm", got.Scheme)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "current", env("one", 1)))
		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "current", env("two", 5)))

		got, err := repo.Get(ctx, "ns", "SESSION", "current")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got.Ciphertext)
		assert.Equal(t, uint64(5), got.Version)
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "ns", "SESSION", "current")
		require.Error(t, err)
		assert.True(t, storage.IsNotFound(err), "got %v", err)

		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "other", env("x", 1)))
		_, err = repo.Get(ctx, "ns", "SESSION", "current")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("ReturnedEnvelopeIsIsolated", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "current", env("abc", 1)))
		got, err := repo.Get(ctx, "ns", "SESSION", "current")
		require.NoError(t, err)
		got.Ciphertext[0] = 'X'

		again, err := repo.Get(ctx, "ns", "SESSION", "current")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again.Ciphertext)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "current", env("x", 1)))
		require.NoError(t, repo.Delete(ctx, "ns", "SESSION", "current"))

		_, err := repo.Get(ctx, "ns", "SESSION", "current")
		assert.True(t, storage.IsNotFound(err), "got %v", err)

		err = repo.Delete(ctx, "ns", "SESSION", "current")
		assert.True(t, storage.IsNotFound(err), "second delete: got %v", err)
	})

	t.Run("List", func(t *testing.T) {
		repo := newRepo(t)
		ids, err := repo.List(ctx, "ns", "SESSION")
		require.NoError(t, err)
		assert.Empty(t, ids)

		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "b", env("x", 1)))
		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "a", env("x", 1)))
		require.NoError(t, repo.Put(ctx, "ns", "KEY", "k", env("x", 1)))
		require.NoError(t, repo.Put(ctx, "other", "SESSION", "z", env("x", 1)))

		ids, err = repo.List(ctx, "ns", "SESSION")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "one", "SESSION", "current", env("1", 1)))
		require.NoError(t, repo.Put(ctx, "two", "SESSION", "current", env("2", 1)))

		got, err := repo.Get(ctx, "one", "SESSION", "current")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), got.Ciphertext)
	})

	t.Run("PutCASCreateOnly", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.PutCAS(ctx, "ns", "SESSION", "current", 0, env("v1", 1)))
		err := repo.PutCAS(ctx, "ns", "SESSION", "current", 0, env("v1", 1))
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("PutCASVersionMatch", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "current", env("v1", 1)))
		require.NoError(t, repo.PutCAS(ctx, "ns", "SESSION", "current", 1, env("v2", 2)))

		got, err := repo.Get(ctx, "ns", "SESSION", "current")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Ciphertext)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("PutCASVersionMismatch", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "SESSION", "current", env("v3", 3)))
		err := repo.PutCAS(ctx, "ns", "SESSION", "current", 2, env("v4", 4))
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		got, err := repo.Get(ctx, "ns", "SESSION", "current")
		require.NoError(t, err)
		assert.Equal(t, []byte("v3"), got.Ciphertext)
	})

	t.Run("PutCASMissingRecord", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.PutCAS(ctx, "ns", "SESSION", "current", 1, env("v2", 2))
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		repo := newRepo(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := repo.Put(cctx, "ns", "SESSION", "current", env("x", 1))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
