package bucketing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_StableAndInRange(t *testing.T) {
	m := NewManager(64)

	first := m.AccountBucket("acct-1")
	for i := 0; i < 100; i++ {
		b := m.AccountBucket("acct-1")
		assert.Equal(t, first, b)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 64)
	}
}

func TestManager_DefaultsOnBadCount(t *testing.T) {
	m := NewManager(0)
	assert.Equal(t, 64, m.Buckets())
}

func TestManager_ConcurrentUse(t *testing.T) {
	m := NewManager(16)
	want := m.AccountBucket("acct-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if got := m.AccountBucket("acct-1"); got != want {
					t.Errorf("bucket changed: got %d, want %d", got, want)
					return
				}
			}
		}()
	}
	wg.Wait()
}
