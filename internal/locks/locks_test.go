package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMutualExclusionPerKey(t *testing.T) {
	k := NewKeyed()
	var n int

	unlock := k.Lock("a")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u := k.Lock("a")
		n++
		u()
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, n)
	unlock()
	wg.Wait()
	assert.Equal(t, 1, n)
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()

	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		u := k.Lock("b")
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on unrelated key blocked")
	}
}

func TestEntriesAreReleased(t *testing.T) {
	k := NewKeyed()
	u := k.Lock("a")
	u()
	assert.Empty(t, k.held)
}
