// Package locks provides a fixed-size sharded mutex table.
//
// Keys (tenant ids on the registry side, entity ids on the manager side) are
// hashed with xxh3 onto a fixed number of shards. Two keys may share a shard;
// that only costs contention, never correctness. The table never grows or
// evicts, so a lock's identity does not depend on garbage collection.
package locks

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// DefaultShards is the shard count used when a non-positive count is given.
const DefaultShards = 256

// Table is a fixed-size table of mutexes addressed by string key.
type Table struct {
	shards []sync.Mutex
}

// New creates a lock table with n shards.
//
// Parameters:
//   - n: Number of shards (DefaultShards when n <= 0)
//
// Returns:
//   - *Table: Initialized lock table
func New(n int) *Table {
	if n <= 0 {
		n = DefaultShards
	}

	return &Table{shards: make([]sync.Mutex, n)}
}

// Lock acquires the shard lock for key and returns its unlock function.
//
// Example:
//
//	unlock := table.Lock(tenantID)
//	defer unlock()
func (t *Table) Lock(key string) func() {
	mu := &t.shards[t.index(key)]
	mu.Lock()

	return mu.Unlock
}

// Size returns the number of shards.
func (t *Table) Size() int {
	return len(t.shards)
}

func (t *Table) index(key string) int {
	return int(xxh3.HashString(key) % uint64(len(t.shards))) //nolint:gosec
}
