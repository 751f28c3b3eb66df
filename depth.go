package nova

import (
	"fmt"
	"sync"
)

// DefaultMaxDepth bounds recursive sub-agent spawning: depth 0 is the
// root task, so the default allows children and grandchildren.
const DefaultMaxDepth = 2

// DepthGuard bounds how deep the spawn tree may grow. A slot must be
// acquired before running a child task and released when it finishes;
// the release function returned by Acquire is safe to call more than
// once and should be deferred so every exit path releases.
type DepthGuard struct {
	max int

	mu     sync.Mutex
	active int
}

// NewDepthGuard creates a guard with the given maximum depth. Zero is
// a valid ceiling and forbids spawning entirely; a negative max falls
// back to DefaultMaxDepth.
func NewDepthGuard(max int) *DepthGuard {
	if max < 0 {
		max = DefaultMaxDepth
	}
	return &DepthGuard{max: max}
}

// MaxDepth returns the configured depth ceiling.
func (g *DepthGuard) MaxDepth() int {
	return g.max
}

// Active returns the number of currently held slots.
func (g *DepthGuard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Acquire reserves a slot for a child at parentDepth+1. It returns the
// child depth and a release function, or ErrDepthLimit when the child
// would exceed the ceiling. Acquisition never blocks.
func (g *DepthGuard) Acquire(parentDepth int) (int, func(), error) {
	child := parentDepth + 1
	if child > g.max {
		return 0, nil, fmt.Errorf("%w: depth %d, max %d", ErrDepthLimit, child, g.max)
	}

	g.mu.Lock()
	g.active++
	g.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
		})
	}
	return child, release, nil
}
