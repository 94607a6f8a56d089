package execution

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces client order ids.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator returns random v4 UUIDs, optionally prefixed.
type UUIDGenerator struct {
	Prefix string
}

// NewID returns a fresh id.
func (g UUIDGenerator) NewID() string {
	return g.Prefix + uuid.NewString()
}

// SequenceGenerator returns name-based UUIDs derived from a seed and a
// counter, so the same seed always yields the same sequence.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	seed   string
	n      uint64
}

// NewSequenceGenerator creates a deterministic generator.
func NewSequenceGenerator(prefix, seed string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix, seed: seed}
}

// NewID returns the next id in the sequence.
func (g *SequenceGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", g.seed, g.n))).String()
}
