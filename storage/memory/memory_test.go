package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nopwd/storage"
	"github.com/jmcleod/nopwd/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return NewRepository()
	})
}

func TestConcurrentPutCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	require.NoError(t, repo.Put(ctx, "ns", "SESSION", "current", &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Version: 1}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.PutCAS(ctx, "ns", "SESSION", "current", 1, &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Version: 2})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one writer should win the CAS")
}
