package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore_AcquireReleaseRoundTrips(t *testing.T) {
	sem := NewSemaphore(2)
	require.Equal(t, 2, sem.Available())

	sem.Acquire()
	assert.Equal(t, 1, sem.Available())

	sem.Acquire()
	assert.Equal(t, 0, sem.Available())

	sem.Release()
	assert.Equal(t, 1, sem.Available())
}

func TestSemaphore_NonPositiveCapacityClampsToOne(t *testing.T) {
	sem := NewSemaphore(0)
	assert.Equal(t, 1, sem.Available())

	sem = NewSemaphore(-5)
	assert.Equal(t, 1, sem.Available())
}

func TestSemaphore_BlocksUntilReleased(t *testing.T) {
	sem := NewSemaphore(1)
	sem.Acquire()

	acquired := make(chan struct{})
	go func() {
		sem.Acquire()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned before Release")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never returned after Release")
	}
}

func TestSemaphore_FIFOWakeOrder(t *testing.T) {
	sem := NewSemaphore(1)
	sem.Acquire()

	const waiters = 5
	order := make(chan int, waiters)
	var ready sync.WaitGroup
	ready.Add(waiters)

	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			ready.Done()
			sem.Acquire()
			order <- i
			sem.Release()
		}()
		time.Sleep(5 * time.Millisecond) // stagger enqueue order
	}

	ready.Wait()
	sem.Release()

	for i := 0; i < waiters; i++ {
		select {
		case got := <-order:
			assert.Equal(t, i, got, "waiter %d did not wake in FIFO order", i)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never woke", i)
		}
	}
}

func TestSemaphore_NeverOversubscribes(t *testing.T) {
	sem := NewSemaphore(3)
	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, int(maxSeen), 3)
}
