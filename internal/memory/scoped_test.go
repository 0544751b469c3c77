package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadLocalRoundTrip(t *testing.T) {
	m := NewScopedMemory("node-a")

	entry, err := m.Write("note", "remember this", ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)

	got, err := m.Read("note")
	require.NoError(t, err)
	assert.Equal(t, "remember this", got.Content)
	assert.Equal(t, ScopeLocal, got.Scope)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "node-a", got.UpdatedBy)
}

func TestInheritedScopeIsReadOnly(t *testing.T) {
	m := NewScopedMemory("node-a")
	_, err := m.Write("note", "x", ScopeInherited)
	assert.ErrorIs(t, err, ErrReadOnlyScope)

	_, err = m.Read("note")
	assert.ErrorIs(t, err, ErrNotFound, "rejected write must not create an entry")
}

func TestVersionIncrementsByOne(t *testing.T) {
	m := NewScopedMemory("node-a")
	for i := 1; i <= 5; i++ {
		entry, err := m.Write("counter", "v", ScopeShared)
		require.NoError(t, err)
		assert.Equal(t, i, entry.Version)
	}
}

func TestReadSearchOrderPrefersLocal(t *testing.T) {
	m := NewScopedMemory("node-a")
	_, err := m.Write("key", "local value", ScopeLocal)
	require.NoError(t, err)
	_, err = m.Write("key", "shared value", ScopeShared)
	require.NoError(t, err)

	got, err := m.Read("key")
	require.NoError(t, err)
	assert.Equal(t, "local value", got.Content)

	got, err = m.Read("key", ScopeShared)
	require.NoError(t, err)
	assert.Equal(t, "shared value", got.Content)
}

func TestChildInheritsParentShared(t *testing.T) {
	parent := NewScopedMemory("parent")
	_, err := parent.Write("goal", "build index", ScopeShared)
	require.NoError(t, err)

	child := parent.NewChild("child")
	got, err := child.Read("goal", ScopeInherited)
	require.NoError(t, err)
	assert.Equal(t, "build index", got.Content)
	assert.Equal(t, ScopeInherited, got.Scope)

	// The inherited copy is a snapshot; mutating it must not touch the
	// parent.
	_, err = child.Write("goal", "hijacked", ScopeInherited)
	assert.ErrorIs(t, err, ErrReadOnlyScope)

	parentEntry, err := parent.Read("goal", ScopeShared)
	require.NoError(t, err)
	assert.Equal(t, "build index", parentEntry.Content)
	assert.Equal(t, 1, parentEntry.Version)
}

func TestInheritedCacheRefreshesOnSourceVersion(t *testing.T) {
	parent := NewScopedMemory("parent")
	_, err := parent.Write("goal", "v1", ScopeShared)
	require.NoError(t, err)

	child := parent.NewChild("child")
	got, err := child.Read("goal", ScopeInherited)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Content)
	assert.Equal(t, 1, got.SourceVersion)

	_, err = parent.Write("goal", "v2", ScopeShared)
	require.NoError(t, err)

	got, err = child.Read("goal", ScopeInherited)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, 2, got.SourceVersion)
}

func TestInheritedWalksParentChain(t *testing.T) {
	root := NewScopedMemory("root")
	_, err := root.Write("policy", "be careful", ScopeShared)
	require.NoError(t, err)

	mid := root.NewChild("mid")
	leaf := mid.NewChild("leaf")

	got, err := leaf.Read("policy", ScopeInherited)
	require.NoError(t, err)
	assert.Equal(t, "be careful", got.Content)
}

func TestGlobalResolvesAtRoot(t *testing.T) {
	root := NewScopedMemory("root")
	child := root.NewChild("child")
	grandchild := child.NewChild("grandchild")

	_, err := grandchild.Write("registry", "tools v2", ScopeGlobal)
	require.NoError(t, err)

	got, err := root.Read("registry", ScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, "tools v2", got.Content)

	got, err = child.Read("registry", ScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, "tools v2", got.Content)
}

func TestMergeSharedAtTermination(t *testing.T) {
	parent := NewScopedMemory("parent")
	_, err := parent.Write("goal", "build index", ScopeShared)
	require.NoError(t, err)

	child := parent.NewChild("child")
	_, err = child.Write("finding", "5 modules", ScopeShared)
	require.NoError(t, err)

	// Before termination the parent does not see the child's write.
	_, err = parent.Read("finding", ScopeShared)
	assert.ErrorIs(t, err, ErrNotFound)

	parent.MergeSharedFrom(child)

	got, err := parent.Read("finding", ScopeShared)
	require.NoError(t, err)
	assert.Equal(t, "5 modules", got.Content)
	assert.Equal(t, "child", got.UpdatedBy)
	assert.Equal(t, 1, got.Version)
}

func TestMergeSharedParentHigherVersionWins(t *testing.T) {
	parent := NewScopedMemory("parent")
	for _, content := range []string{"p1", "p2", "p3"} {
		_, err := parent.Write("plan", content, ScopeShared)
		require.NoError(t, err)
	}

	child := parent.NewChild("child")
	_, err := child.Write("plan", "child-stale", ScopeShared)
	require.NoError(t, err)

	parent.MergeSharedFrom(child)

	got, err := parent.Read("plan", ScopeShared)
	require.NoError(t, err)
	assert.Equal(t, "p3", got.Content, "stale child write must not clobber the parent")
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, "parent", got.UpdatedBy)
}

func TestMergeSharedAdoptsChildVersion(t *testing.T) {
	parent := NewScopedMemory("parent")
	_, err := parent.Write("plan", "p1", ScopeShared)
	require.NoError(t, err)

	child := parent.NewChild("child")
	for _, content := range []string{"c1", "c2", "c3", "c4", "c5"} {
		_, err = child.Write("plan", content, ScopeShared)
		require.NoError(t, err)
	}

	parent.MergeSharedFrom(child)

	got, err := parent.Read("plan", ScopeShared)
	require.NoError(t, err)
	assert.Equal(t, "c5", got.Content)
	assert.Equal(t, 5, got.Version, "the child's version carries over, not a local bump")
	assert.Equal(t, "child", got.UpdatedBy)
}

func TestListByScope(t *testing.T) {
	m := NewScopedMemory("node-a")
	_, err := m.Write("b", "2", ScopeLocal)
	require.NoError(t, err)
	_, err = m.Write("a", "1", ScopeLocal)
	require.NoError(t, err)
	_, err = m.Write("c", "3", ScopeShared)
	require.NoError(t, err)

	local := m.ListByScope(ScopeLocal)
	require.Len(t, local, 2)
	assert.Equal(t, "a", local[0].ID)
	assert.Equal(t, "b", local[1].ID)

	assert.Len(t, m.ListByScope(ScopeShared), 1)
	assert.Empty(t, m.ListByScope(ScopeInherited))
}
