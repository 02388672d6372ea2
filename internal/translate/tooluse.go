package translate

import "sync"

// ToolUseEntry is the tracked state of one announced tool call, keyed by the
// backend tool-use id. Entries are inserted when the tool_use block arrives
// and removed when the matching result lands or the turn tears down.
type ToolUseEntry struct {
	ID     string
	Name   string
	Input  map[string]any
	Info   ToolInfo
	Parent string // parent tool-use id for sub-agent calls

	// Silent entries never produced a tool_call notification (plan
	// updates), so their results are swallowed without a warning.
	Silent bool
}

// Correlator matches backend tool results to their announced tool calls.
// Safe for concurrent use: the permission path reads it while the event loop
// writes.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*ToolUseEntry
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{entries: make(map[string]*ToolUseEntry)}
}

// Insert registers a tool use. A duplicate id overwrites the stale entry.
func (c *Correlator) Insert(entry *ToolUseEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.ID] = entry
}

// Lookup returns the entry for the id without removing it.
func (c *Correlator) Lookup(id string) (*ToolUseEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	return entry, ok
}

// Remove takes the entry for the id out of the table.
func (c *Correlator) Remove(id string) (*ToolUseEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return entry, ok
}

// Clear drops all entries and reports how many were unresolved.
func (c *Correlator) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*ToolUseEntry)
	return n
}

// Len reports the number of outstanding entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
