package snowflake

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
)

// Generator issues IDs for a single node. One instance is built per process
// after the node lease is acquired and passed to every consumer.
//
// Generate never returns a value less than or equal to its previous return.
// When the 4096 sequence values of a millisecond are used up it waits for
// the next millisecond, and a clock that steps backwards is treated as still
// being on the last millisecond it reported.
type Generator struct {
	mu     sync.Mutex
	node   int64
	lastMs int64
	seq    int64
	now    func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// New creates a generator for node, which must be in [0, MaxNode].
func New(node int64, opts ...Option) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, fmt.Errorf("node %d out of range [0, %d]", node, MaxNode)
	}

	g := &Generator{
		node:   node,
		lastMs: -1,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Node returns the node id this generator stamps into IDs.
func (g *Generator) Node() int64 {
	return g.node
}

// Generate returns the next ID. Safe for concurrent use.
func (g *Generator) Generate() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.elapsed()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.seq = (g.seq + 1) & sequenceMask
		if g.seq == 0 {
			for ms <= g.lastMs {
				runtime.Gosched()
				ms = g.elapsed()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	monitoring.RecordIDGenerated()
	return ID(ms<<timeShift | g.node<<nodeShift | g.seq)
}

func (g *Generator) elapsed() int64 {
	return g.now().UnixMilli() - Epoch
}
