package activitypub

import (
	"sync"
	"testing"
	"time"
)

func TestKeyLocksSerializeSameKey(t *testing.T) {
	kl := NewKeyLocks()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Lock("https://other.example/events/1")
			counter++
			kl.Unlock("https://other.example/events/1")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("Expected 50 increments, got %d", counter)
	}
}

func TestKeyLocksIndependentKeys(t *testing.T) {
	kl := NewKeyLocks()

	kl.Lock("key-a")
	done := make(chan struct{})
	go func() {
		kl.Lock("key-b")
		kl.Unlock("key-b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock on a different key blocked")
	}
	kl.Unlock("key-a")
}

func TestKeyLocksCleanup(t *testing.T) {
	kl := NewKeyLocks()

	kl.Lock("key-a")
	kl.Unlock("key-a")

	kl.mu.Lock()
	remaining := len(kl.locks)
	kl.mu.Unlock()

	if remaining != 0 {
		t.Errorf("Expected lock map to be empty, found %d entries", remaining)
	}
}
