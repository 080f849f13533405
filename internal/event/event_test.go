package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddReplaysCurrent(t *testing.T) {
	b := New("initial")
	var got []string
	b.Add(func(s string) { got = append(got, s) })
	assert.Equal(t, []string{"initial"}, got)

	b.Publish("next")
	assert.Equal(t, []string{"initial", "next"}, got)
	assert.Equal(t, "next", b.Current())
	assert.Equal(t, uint64(1), b.Seq())
}

func TestRemove(t *testing.T) {
	b := New(0)
	var calls int
	id := b.Add(func(int) { calls++ })
	require.Equal(t, 1, b.Len())

	b.Remove(id)
	b.Remove(id)
	b.Publish(1)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len())
}

func TestListenersInRegistrationOrder(t *testing.T) {
	b := New(0)
	var order []string
	b.Add(func(v int) {
		if v > 0 {
			order = append(order, "a")
		}
	})
	b.Add(func(v int) {
		if v > 0 {
			order = append(order, "b")
		}
	})
	b.Publish(1)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestReentrantPublishSupersedes(t *testing.T) {
	b := New(0)
	var first, second []int
	b.Add(func(v int) {
		first = append(first, v)
		if v == 1 {
			b.Publish(2)
		}
	})
	b.Add(func(v int) { second = append(second, v) })

	b.Publish(1)

	assert.Equal(t, []int{0, 1, 2}, first)
	// The second listener never sees the superseded value.
	assert.Equal(t, []int{0, 2}, second)
	assert.Equal(t, 2, b.Current())
}

func TestListenerMayRemoveItself(t *testing.T) {
	b := New(0)
	var id ListenerID
	var calls int
	id = b.Add(func(v int) {
		calls++
		if v == 1 {
			b.Remove(id)
		}
	})
	b.Publish(1)
	b.Publish(2)
	assert.Equal(t, 2, calls)
}

func TestConcurrentPublishDeliversLatest(t *testing.T) {
	b := New(0)
	var (
		mu   sync.Mutex
		seen []int
	)
	b.Add(func(v int) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(i)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, b.Current(), seen[len(seen)-1])
}

func TestOfferDropsStaleVersions(t *testing.T) {
	b := New("unknown")
	var got []string
	b.Add(func(s string) { got = append(got, s) })

	assert.True(t, b.Offer(2, "two"))
	assert.False(t, b.Offer(1, "one"))
	assert.False(t, b.Offer(2, "two again"))
	assert.True(t, b.Offer(5, "five"))

	assert.Equal(t, []string{"unknown", "two", "five"}, got)
	assert.Equal(t, "five", b.Current())
}

func TestAddReplayDoesNotEndStale(t *testing.T) {
	b := New("initial")
	entered := make(chan struct{})
	release := make(chan struct{})

	var (
		mu    sync.Mutex
		seen  []string
		first = true
	)
	fn := func(s string) {
		mu.Lock()
		replay := first
		first = false
		mu.Unlock()
		if replay {
			close(entered)
			<-release
		}
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Add(fn)
	}()
	<-entered
	b.Publish("revoked")
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, "revoked", seen[len(seen)-1])
}
