package compliance

import "sync"

// OCOTable links protective legs of the same position: when either
// TARGET or STOP resolves, the sibling must be cancelled exactly once.
// Resolving an already-resolved group is a no-op, not an error. One
// lock guards the whole table; it is the only structure here touched
// by both the gate and the execution engine.
type OCOTable struct {
	mu     sync.Mutex
	groups map[string]*ocoGroup
}

type ocoGroup struct {
	legs     []string
	resolved bool
}

// NewOCOTable creates an empty table.
func NewOCOTable() *OCOTable {
	return &OCOTable{groups: make(map[string]*ocoGroup)}
}

// Link registers the protective legs of one group. Called by the
// execution engine once leg order IDs exist.
func (t *OCOTable) Link(groupID string, legIDs ...string) {
	if groupID == "" || len(legIDs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups[groupID] = &ocoGroup{legs: append([]string(nil), legIDs...)}
}

// Resolve marks legID as terminal and returns the sibling to cancel.
// The first resolution wins; any later call for the same group —
// duplicate events, the sibling's own cancellation callback — returns
// ok=false so cancellation happens exactly once.
func (t *OCOTable) Resolve(groupID, legID string) (siblingID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, exists := t.groups[groupID]
	if !exists || g.resolved {
		return "", false
	}

	member := false
	for _, id := range g.legs {
		if id == legID {
			member = true
			break
		}
	}
	if !member {
		return "", false
	}

	g.resolved = true
	for _, id := range g.legs {
		if id != legID {
			return id, true
		}
	}
	return "", false
}

// Resolved reports whether the group has already been resolved.
func (t *OCOTable) Resolved(groupID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, exists := t.groups[groupID]
	return exists && g.resolved
}

// Drop removes a group, used when an ENTRY leg never executes.
func (t *OCOTable) Drop(groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, groupID)
}
