package nova

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Scope identifies how a memory entry was written.
type Scope string

const (
	// ScopeShared marks entries written into a memory shared by reference
	ScopeShared Scope = "shared"

	// ScopeIsolated marks entries written inside an isolated clone
	ScopeIsolated Scope = "isolated"
)

// Entry is a single working-memory record.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Scope Scope  `json:"scope"`
	Depth int    `json:"depth"`
}

// Memory is the scoped working memory of a task. Reads and writes are
// safe for concurrent use; sharing and isolation between parent and
// child tasks is decided by the spawner, not by Memory itself.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	depth    int
	isolated bool
}

// NewMemory creates an empty working memory rooted at depth 0.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]Entry),
	}
}

// Store writes a value under key, overwriting any previous entry.
func (m *Memory) Store(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := ScopeShared
	if m.isolated {
		scope = ScopeIsolated
	}
	m.entries[key] = Entry{Key: key, Value: value, Scope: scope, Depth: m.depth}
}

// Recall returns the value stored under key, or ErrKeyNotFound.
func (m *Memory) Recall(key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return entry.Value, nil
}

// Delete removes the entry stored under key, if present.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Keys returns the stored keys in unspecified order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Clone returns an independent isolated copy of the memory. Writes to
// the clone never reach the original; they come back only through Merge.
func (m *Memory) Clone() *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clone := &Memory{
		entries:  make(map[string]Entry, len(m.entries)),
		depth:    m.depth,
		isolated: true,
	}
	for k, v := range m.entries {
		clone.entries[k] = v
	}
	return clone
}

// setDepth records the depth that subsequent writes belong to.
func (m *Memory) setDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = depth
}

// Snapshot returns a plain key-value copy of the memory contents.
func (m *Memory) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]any, len(m.entries))
	for k, e := range m.entries {
		snap[k] = e.Value
	}
	return snap
}

// DeltaSince returns the entries written at or below the given depth.
// It is used to extract what a child task added to its isolated clone.
func (m *Memory) DeltaSince(depth int) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	delta := make(map[string]any)
	for k, e := range m.entries {
		if e.Depth >= depth {
			delta[k] = e.Value
		}
	}
	return delta
}

// Merge writes completed sub-agent results into the memory, each under
// a key namespaced by its sub-task description and position. Merge must
// be called from a single goroutine after all branches have joined.
func (m *Memory) Merge(results []SubAgentResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := ScopeShared
	if m.isolated {
		scope = ScopeIsolated
	}
	for _, res := range results {
		key := MergeKey(res.Description, res.Index)
		m.entries[key] = Entry{Key: key, Value: res, Scope: scope, Depth: m.depth}
	}
}

// MergeKey derives the namespaced memory key for a sub-task result from
// its description and position in the spawn request.
func MergeKey(description string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", description, index)))
	return "subagent:" + hex.EncodeToString(sum[:])[:12]
}
