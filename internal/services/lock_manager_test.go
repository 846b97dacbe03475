// internal/services/lock_manager_test.go
package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSessionLock_SameSessionSameLock(t *testing.T) {
	lm := NewLockManager()

	first := lm.GetSessionLock("sess-1")
	second := lm.GetSessionLock("sess-1")
	assert.Same(t, first, second)

	other := lm.GetSessionLock("sess-2")
	assert.NotSame(t, first, other)
}

func TestExecuteWithSessionLock_SerializesSameSession(t *testing.T) {
	lm := NewLockManager()

	const turns = 50
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lm.ExecuteWithSessionLock("sess-1", func() error {
				// 锁内非原子读改写，没有串行化会丢更新
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, turns, counter)
}

func TestExecuteWithSessionLock_PropagatesError(t *testing.T) {
	lm := NewLockManager()

	sentinel := assert.AnError
	err := lm.ExecuteWithSessionLock("sess-1", func() error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}
