package server

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathLocksSerialiseSamePath(t *testing.T) {
	t.Parallel()

	locks := newPathLocks()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("a.txt")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside.Load())
	assert.Zero(t, locks.held())
}

func TestPathLocksIndependentPaths(t *testing.T) {
	t.Parallel()

	locks := newPathLocks()
	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	assert.Equal(t, 2, locks.held())

	unlockA()
	unlockB()
	assert.Zero(t, locks.held())
}
