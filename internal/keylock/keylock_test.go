package keylock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectvault/storage-gateway/internal/keylock"
)

func TestLockUnlock(t *testing.T) {
	kl := keylock.New()
	unlock := kl.Lock("tenant-a")
	unlock()

	unlock = kl.RLock("tenant-a")
	unlock()
}

func TestLockExcludesConcurrentWriters(t *testing.T) {
	kl := keylock.New()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("shared")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	kl := keylock.New()
	unlockA := kl.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := kl.Lock("b")
		defer unlockB()
		close(done)
	}()

	<-done
}
