package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nopwd/storage"
	"github.com/jmcleod/nopwd/storage/storagetest"
)

func TestSQLiteStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s, err := Open(filepath.Join(t.TempDir(), "records.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteInMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s, err := Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "nopwd", "SESSION", "current", &storage.Envelope{
		Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("persisted"), Version: 9,
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "nopwd", "SESSION", "current")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got.Ciphertext)
	assert.Equal(t, uint64(9), got.Version)
}
