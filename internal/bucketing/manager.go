// Package bucketing maps identifiers onto a fixed number of buckets with
// murmur3 so downstream partitioning stays stable across restarts.
package bucketing

import (
	"hash"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"security-engine/internal/config"
)

type Manager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		eventBuckets: cfg.Bucketing.EventBuckets,
	}
	if m.eventBuckets <= 0 {
		m.eventBuckets = 1
	}

	// Pool of hashers to avoid per-call allocation on the event path.
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// EventBucket returns a stable bucket in [0, eventBuckets) for the identifier.
func (m *Manager) EventBucket(identifier string) int {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(identifier))
	return int(hasher.Sum64() % uint64(m.eventBuckets))
}

// PartitionKey renders the bucket as a message key, so all events from one
// source land on the same partition in order.
func (m *Manager) PartitionKey(identifier string) []byte {
	return []byte(strconv.Itoa(m.EventBucket(identifier)))
}

// DateBucket returns the UTC date partition for archival tables.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
