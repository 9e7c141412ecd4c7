package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Manager assigns accounts to a fixed number of partition buckets so the
// main accounts table spreads evenly across the cluster.
type Manager struct {
	accountBuckets int
	hasherPool     sync.Pool
}

func NewManager(accountBuckets int) *Manager {
	if accountBuckets <= 0 {
		accountBuckets = 64
	}
	m := &Manager{accountBuckets: accountBuckets}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// AccountBucket returns a stable bucket in [0, accountBuckets) for the id.
func (m *Manager) AccountBucket(accountID string) int {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(accountID))

	return int(h.Sum64() % uint64(m.accountBuckets))
}

// Buckets returns the configured bucket count.
func (m *Manager) Buckets() int {
	return m.accountBuckets
}
