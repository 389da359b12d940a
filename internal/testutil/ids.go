package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates predictable UUID-shaped identifiers for tests:
// 00000000-0000-7000-8000-000000000001, ...002, and so on.
//
// The same scenario run with a fresh SequenceIDs produces byte-identical
// audit snapshots, which golden files rely on.
//
// Thread-safety: SequenceIDs is safe for concurrent use via internal mutex.
type SequenceIDs struct {
	mu sync.Mutex
	n  int
}

// NewSequenceIDs creates a generator whose first id ends in 1.
func NewSequenceIDs() *SequenceIDs {
	return &SequenceIDs{}
}

// Generate returns the next identifier.
func (g *SequenceIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", g.n)
}
