package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockRegistry_PrunesReleasedLocks(t *testing.T) {
	r := newLockRegistry()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.lock("ABCD")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, r.size())
}

func TestLegalStates(t *testing.T) {
	assert.True(t, allowed(opJoin, "lobby"))
	assert.False(t, allowed(opJoin, "in_progress"))
	assert.True(t, allowed(opReconnect, "in_progress"))
	assert.False(t, allowed(opStart, "completed"))
	assert.ErrorIs(t, checkState(opProgress, "lobby"), ErrInvalidState)
}
