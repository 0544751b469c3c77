package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Scope names a visibility class of scoped memory.
type Scope string

const (
	ScopeLocal     Scope = "local"
	ScopeShared    Scope = "shared"
	ScopeInherited Scope = "inherited"
	ScopeGlobal    Scope = "global"
)

// readOrder is the default search priority.
var readOrder = []Scope{ScopeLocal, ScopeShared, ScopeInherited, ScopeGlobal}

// ErrReadOnlyScope rejects writes to the inherited scope. This is a
// programmer error, never upgraded silently to another scope.
var ErrReadOnlyScope = fmt.Errorf("memory: inherited scope is read-only")

// ErrNotFound reports a missing entry.
var ErrNotFound = fmt.Errorf("memory: entry not found")

// Entry is one scoped memory record. Inherited entries are one-way
// snapshots: SourceVersion records the parent version they were faulted
// from, and they never back-reference parent state.
type Entry struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Scope         Scope     `json:"scope"`
	Version       int       `json:"version"`
	UpdatedBy     string    `json:"updated_by"`
	UpdatedAt     time.Time `json:"updated_at"`
	SourceVersion int       `json:"source_version,omitempty"`
}

// ScopedMemory is one node's view of the four scopes. Local and shared are
// node-private maps; global resolves at the root of the node tree;
// inherited faults entries in from the parent chain on demand.
type ScopedMemory struct {
	nodeID string
	parent *ScopedMemory

	mu        sync.RWMutex
	local     map[string]*Entry
	shared    map[string]*Entry
	inherited map[string]*Entry
	global    map[string]*Entry // populated only on the root node
}

// NewScopedMemory creates the root node's memory.
func NewScopedMemory(nodeID string) *ScopedMemory {
	return &ScopedMemory{
		nodeID:    nodeID,
		local:     make(map[string]*Entry),
		shared:    make(map[string]*Entry),
		inherited: make(map[string]*Entry),
		global:    make(map[string]*Entry),
	}
}

// NewChild creates a child node's memory linked to this parent. The child
// sees the parent's shared and global entries through the inherited and
// global scopes; parent state is never mutated through the child.
func (m *ScopedMemory) NewChild(nodeID string) *ScopedMemory {
	return &ScopedMemory{
		nodeID:    nodeID,
		parent:    m,
		local:     make(map[string]*Entry),
		shared:    make(map[string]*Entry),
		inherited: make(map[string]*Entry),
	}
}

// NodeID returns the owning node's identifier.
func (m *ScopedMemory) NodeID() string { return m.nodeID }

func (m *ScopedMemory) root() *ScopedMemory {
	node := m
	for node.parent != nil {
		node = node.parent
	}
	return node
}

// Write stores content under the id in the given scope. New entries start
// at version 1; rewriting increments the version by exactly 1. Writes to
// the inherited scope fail with ErrReadOnlyScope.
func (m *ScopedMemory) Write(id, content string, scope Scope) (*Entry, error) {
	switch scope {
	case ScopeLocal, ScopeShared:
		return m.writeInto(m, scope, id, content)
	case ScopeGlobal:
		return m.writeInto(m.root(), scope, id, content)
	case ScopeInherited:
		return nil, ErrReadOnlyScope
	default:
		return nil, fmt.Errorf("memory: unknown scope %q", scope)
	}
}

func (m *ScopedMemory) writeInto(owner *ScopedMemory, scope Scope, id, content string) (*Entry, error) {
	owner.mu.Lock()
	defer owner.mu.Unlock()

	bucket := owner.bucket(scope)
	entry, ok := bucket[id]
	if !ok {
		entry = &Entry{ID: id, Scope: scope}
		bucket[id] = entry
	}
	entry.Content = content
	entry.Version++
	entry.UpdatedBy = m.nodeID
	entry.UpdatedAt = time.Now()

	snapshot := *entry
	return &snapshot, nil
}

// bucket returns the map for a locally-stored scope. Caller holds the lock.
func (m *ScopedMemory) bucket(scope Scope) map[string]*Entry {
	switch scope {
	case ScopeLocal:
		return m.local
	case ScopeShared:
		return m.shared
	case ScopeInherited:
		return m.inherited
	default:
		return m.global
	}
}

// Read searches the given scopes in order (default local → shared →
// inherited → global) and returns a copy of the first hit.
func (m *ScopedMemory) Read(id string, searchScopes ...Scope) (*Entry, error) {
	scopes := searchScopes
	if len(scopes) == 0 {
		scopes = readOrder
	}
	for _, scope := range scopes {
		if entry, ok := m.readScope(id, scope); ok {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *ScopedMemory) readScope(id string, scope Scope) (*Entry, bool) {
	switch scope {
	case ScopeLocal, ScopeShared:
		return m.readLocal(scope, id)
	case ScopeInherited:
		return m.readInherited(id)
	case ScopeGlobal:
		return m.root().readLocal(ScopeGlobal, id)
	default:
		return nil, false
	}
}

func (m *ScopedMemory) readLocal(scope Scope, id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.bucket(scope)[id]
	if !ok {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// readInherited consults the cached inherited copy first, refreshing it
// when the parent's source entry has advanced. A miss walks the parent
// chain's shared then global entries.
func (m *ScopedMemory) readInherited(id string) (*Entry, bool) {
	if m.parent == nil {
		return nil, false
	}

	source, ok := m.parent.lookupForChild(id)
	if !ok {
		// Parent lost the entry; a stale cached copy still serves reads.
		m.mu.RLock()
		cached, ok := m.inherited[id]
		m.mu.RUnlock()
		if !ok {
			return nil, false
		}
		snapshot := *cached
		return &snapshot, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cached, ok := m.inherited[id]
	if !ok || cached.SourceVersion != source.Version {
		cached = &Entry{
			ID:            id,
			Content:       source.Content,
			Scope:         ScopeInherited,
			Version:       1,
			UpdatedBy:     source.UpdatedBy,
			UpdatedAt:     source.UpdatedAt,
			SourceVersion: source.Version,
		}
		if ok {
			cached.Version = m.inherited[id].Version + 1
		}
		m.inherited[id] = cached
	}
	snapshot := *cached
	return &snapshot, true
}

// lookupForChild resolves an entry a child may inherit: this node's shared
// and global entries, then its own parent chain.
func (m *ScopedMemory) lookupForChild(id string) (*Entry, bool) {
	if entry, ok := m.readLocal(ScopeShared, id); ok {
		return entry, true
	}
	if entry, ok := m.root().readLocal(ScopeGlobal, id); ok {
		return entry, true
	}
	if m.parent != nil {
		return m.parent.lookupForChild(id)
	}
	return nil, false
}

// ListByScope returns copies of all entries in the scope, sorted by id.
func (m *ScopedMemory) ListByScope(scope Scope) []Entry {
	owner := m
	if scope == ScopeGlobal {
		owner = m.root()
	}
	owner.mu.RLock()
	defer owner.mu.RUnlock()

	bucket := owner.bucket(scope)
	out := make([]Entry, 0, len(bucket))
	for _, entry := range bucket {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MergeSharedFrom folds a terminated child's shared entries into this
// node's shared scope, attributed to the child. Version resolves
// conflicts: a parent entry at a strictly higher version wins and the
// child's copy is discarded; otherwise the child's content and version
// are adopted. Called by the delegation machinery once, at child
// termination.
func (m *ScopedMemory) MergeSharedFrom(child *ScopedMemory) {
	for _, entry := range child.ListByScope(ScopeShared) {
		m.mu.Lock()
		existing, ok := m.shared[entry.ID]
		if ok && existing.Version > entry.Version {
			m.mu.Unlock()
			continue
		}
		if !ok {
			existing = &Entry{ID: entry.ID, Scope: ScopeShared}
			m.shared[entry.ID] = existing
		}
		existing.Content = entry.Content
		existing.Version = entry.Version
		existing.UpdatedBy = child.nodeID
		existing.UpdatedAt = time.Now()
		m.mu.Unlock()
	}
}
