package condvar

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitUntilTimesOutWithoutBroadcast(t *testing.T) {
	var mu sync.Mutex
	c := New(&mu)

	mu.Lock()
	woken := c.WaitUntil(time.Now().Add(20 * time.Millisecond))
	mu.Unlock()

	assert.False(t, woken)
}

func TestBroadcastWakesAllWaiters(t *testing.T) {
	var mu sync.Mutex
	c := New(&mu)

	const n = 5
	var wg sync.WaitGroup
	results := make([]bool, n)

	var ready sync.WaitGroup
	ready.Add(n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			ready.Done()
			results[i] = c.WaitUntil(time.Now().Add(2 * time.Second))
			mu.Unlock()
		}(i)
	}

	// Give the waiters a head start so they're parked on the condition
	// before Broadcast fires.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	c.Broadcast()
	mu.Unlock()

	wg.Wait()
	for i, woken := range results {
		assert.Truef(t, woken, "waiter %d was not woken by Broadcast", i)
	}
}

func TestWaitBlocksUntilBroadcast(t *testing.T) {
	var mu sync.Mutex
	c := New(&mu)
	done := make(chan struct{})

	mu.Lock()
	go func() {
		mu.Lock()
		c.Wait()
		mu.Unlock()
		close(done)
	}()
	mu.Unlock()

	select {
	case <-done:
		t.Fatal("Wait returned before Broadcast was called")
	case <-time.After(30 * time.Millisecond):
	}

	mu.Lock()
	c.Broadcast()
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Broadcast")
	}
}
