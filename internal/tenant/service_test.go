package tenant

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(filepath.Join(t.TempDir(), "tenants.json"))
	require.NoError(t, err)
	return svc
}

func addRoot(t *testing.T, svc *Service, id string, limit int64, isAdmin bool) {
	t.Helper()
	_, err := svc.AddRootTenant(id, id, limit, isAdmin)
	require.NoError(t, err)
}

func TestAddRootTenant(t *testing.T) {
	svc := newTestService(t)

	apiKey, err := svc.AddRootTenant("acme", "Acme Corp", 1000, false)
	require.NoError(t, err)
	assert.NotEmpty(t, apiKey)

	node, err := svc.GetTenant("acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", node.DisplayName)
	assert.Equal(t, int64(1000), node.StorageLimitBytes)
	assert.Empty(t, node.ParentID)
	assert.Equal(t, 0, node.Depth)
}

func TestAddRootTenantValidation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddRootTenant("", "name", 0, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.AddRootTenant("id", "   ", 0, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.AddRootTenant("id", "name", -1, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	addRoot(t, svc, "acme", 0, true)
	_, err = svc.AddRootTenant("acme", "duplicate", 0, false)
	assert.ErrorIs(t, err, ErrTenantExists)
}

func TestCreateSubTenant(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 500, false)

	sub, err := svc.CreateSubTenant("acme", "Team A")
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.NotEmpty(t, sub.APIKey)
	// Limit is a snapshot of the parent's limit at creation time
	assert.Equal(t, int64(500), sub.StorageLimitBytes)
	assert.False(t, sub.IsAdmin)

	found, err := svc.GetTenant(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub, found)
	assert.Equal(t, "acme", found.ParentID)
	assert.Equal(t, 1, found.Depth)
}

func TestCreateSubTenantLimitSnapshotNotLive(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 500, false)

	sub, err := svc.CreateSubTenant("acme", "Team A")
	require.NoError(t, err)
	grand, err := svc.CreateSubTenant(sub.ID, "Team A1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), grand.StorageLimitBytes)

	// Editing the parent's limit later does not change the child's copy.
	require.NoError(t, svc.UpdateSubTenantStorageLimit("acme", sub.ID, 400))

	reloaded, err := svc.GetTenant(grand.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), reloaded.StorageLimitBytes)
}

func TestGetTenantReturnsSnapshot(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 1000, false)
	sub, err := svc.CreateSubTenant("acme", "Team A")
	require.NoError(t, err)

	before, err := svc.GetTenant(sub.ID)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateSubTenantStorageLimit("acme", sub.ID, 400))

	// The earlier snapshot is unchanged; only a fresh lookup sees the edit.
	assert.Equal(t, int64(1000), before.StorageLimitBytes)
	after, err := svc.GetTenant(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), after.StorageLimitBytes)
}

func TestCreateSubTenantValidation(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 500, false)

	_, err := svc.CreateSubTenant("", "Team A")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateSubTenant("acme", "  ")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateSubTenant("ghost", "Team A")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSubTenantDepthLimit(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "root", 0, true)

	// Ten nested levels under a root succeed (depths 1..10).
	parentID := "root"
	for i := 0; i < MaxDepth; i++ {
		sub, err := svc.CreateSubTenant(parentID, fmt.Sprintf("level-%d", i+1))
		require.NoError(t, err, "level %d", i+1)
		parentID = sub.ID
	}

	deepest, err := svc.GetTenant(parentID)
	require.NoError(t, err)
	assert.Equal(t, MaxDepth, deepest.Depth)

	// An eleventh level fails.
	_, err = svc.CreateSubTenant(parentID, "too-deep")
	assert.ErrorIs(t, err, ErrTreeLimitExceeded)

	assert.False(t, svc.CanCreateSubTenant(parentID))
	assert.True(t, svc.CanCreateSubTenant("root"))
}

func TestCreateSubTenantFanoutLimit(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "root", 0, true)

	for i := 0; i < MaxChildren; i++ {
		_, err := svc.CreateSubTenant("root", fmt.Sprintf("child-%d", i))
		require.NoError(t, err)
	}

	_, err := svc.CreateSubTenant("root", "child-50")
	assert.ErrorIs(t, err, ErrTreeLimitExceeded)
}

func TestUpdateSubTenantStorageLimit(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 1000, false)
	sub, err := svc.CreateSubTenant("acme", "Team A")
	require.NoError(t, err)

	require.NoError(t, svc.UpdateSubTenantStorageLimit("acme", sub.ID, 400))
	updated, err := svc.GetTenant(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), updated.StorageLimitBytes)

	// Negative limit
	err = svc.UpdateSubTenantStorageLimit("acme", sub.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Exceeding the parent's non-zero limit
	err = svc.UpdateSubTenantStorageLimit("acme", sub.ID, 2000)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Grandchildren are not direct children
	grand, err := svc.CreateSubTenant(sub.ID, "Team A1")
	require.NoError(t, err)
	err = svc.UpdateSubTenantStorageLimit("acme", grand.ID, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSubTenantStorageLimitUnlimitedParent(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "root", 0, true)
	sub, err := svc.CreateSubTenant("root", "Team A")
	require.NoError(t, err)

	// A zero parent limit does not cap the child's limit.
	require.NoError(t, svc.UpdateSubTenantStorageLimit("root", sub.ID, 1<<40))
}

func TestDeleteSubTenantTransitive(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 0, true)
	child, err := svc.CreateSubTenant("acme", "child")
	require.NoError(t, err)
	grand, err := svc.CreateSubTenant(child.ID, "grandchild")
	require.NoError(t, err)

	// A grandchild is reachable transitively from the root ancestor.
	removed, err := svc.DeleteSubTenant("acme", grand.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{grand.ID}, removed)

	_, err = svc.GetTenant(grand.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The immediate parent no longer lists it.
	parent, err := svc.GetTenant(child.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, parent.SubTenants)
}

func TestDeleteSubTenantReturnsWholeSubtree(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 0, true)
	child, err := svc.CreateSubTenant("acme", "child")
	require.NoError(t, err)
	g1, err := svc.CreateSubTenant(child.ID, "g1")
	require.NoError(t, err)
	g2, err := svc.CreateSubTenant(child.ID, "g2")
	require.NoError(t, err)

	removed, err := svc.DeleteSubTenant("acme", child.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{child.ID, g1.ID, g2.ID}, removed)

	for _, id := range removed {
		_, err := svc.GetTenant(id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestDeleteSubTenantUnrelatedRoot(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 0, true)
	addRoot(t, svc, "globex", 0, true)
	sub, err := svc.CreateSubTenant("globex", "team")
	require.NoError(t, err)

	// The subtenant exists, but not under acme.
	_, err = svc.DeleteSubTenant("acme", sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetTenant(sub.ID)
	require.NoError(t, err)
}

func TestGetTenantByteForByte(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "Acme", 0, true)

	_, err := svc.GetTenant("acme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIKeysGloballyUnique(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 0, true)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		sub, err := svc.CreateSubTenant("acme", fmt.Sprintf("team-%d", i))
		require.NoError(t, err)
		assert.False(t, seen[sub.APIKey], "duplicate api key")
		seen[sub.APIKey] = true
	}
}

func TestFindByAPIKey(t *testing.T) {
	svc := newTestService(t)
	apiKey, err := svc.AddRootTenant("acme", "Acme", 0, true)
	require.NoError(t, err)
	sub, err := svc.CreateSubTenant("acme", "team")
	require.NoError(t, err)

	node, err := svc.FindByAPIKey(apiKey)
	require.NoError(t, err)
	assert.Equal(t, "acme", node.ID)

	node, err = svc.FindByAPIKey(sub.APIKey)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, node.ID)

	_, err = svc.FindByAPIKey("bogus")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.FindByAPIKey("")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")

	svc, err := NewService(path)
	require.NoError(t, err)
	addRoot(t, svc, "acme", 1000, false)
	sub, err := svc.CreateSubTenant("acme", "team")
	require.NoError(t, err)
	grand, err := svc.CreateSubTenant(sub.ID, "subteam")
	require.NoError(t, err)

	// A fresh service loading the same file sees the same tree with parent
	// pointers rebuilt.
	svc2, err := NewService(path)
	require.NoError(t, err)

	loaded, err := svc2.GetTenant(grand.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, loaded.ParentID)
	assert.Equal(t, 2, loaded.Depth)
}

func TestParentPointerNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	svc, err := NewService(path)
	require.NoError(t, err)
	addRoot(t, svc, "acme", 0, true)
	_, err = svc.CreateSubTenant("acme", "team")
	require.NoError(t, err)

	// The document must unmarshal without cycles.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotContains(t, string(data), "\"parent\"")
}

func TestReloadMissingFileKeepsTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	svc, err := NewService(path)
	require.NoError(t, err)
	addRoot(t, svc, "acme", 0, true)

	require.NoError(t, os.Remove(path))
	assert.Error(t, svc.Reload())

	// The in-memory tree is untouched.
	_, err = svc.GetTenant("acme")
	require.NoError(t, err)
}

func TestReloadCorruptFileKeepsTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	svc, err := NewService(path)
	require.NoError(t, err)
	addRoot(t, svc, "acme", 0, true)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	assert.Error(t, svc.Reload())

	_, err = svc.GetTenant("acme")
	require.NoError(t, err)
}

func TestReloadPicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	svc, err := NewService(path)
	require.NoError(t, err)
	addRoot(t, svc, "acme", 100, false)

	// Simulate an operator editing the document directly.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	doc.Tenants["acme"].StorageLimitBytes = 999
	edited, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, edited, 0644))

	require.NoError(t, svc.Reload())
	node, err := svc.GetTenant("acme")
	require.NoError(t, err)
	assert.Equal(t, int64(999), node.StorageLimitBytes)
}

func TestSubtree(t *testing.T) {
	svc := newTestService(t)
	addRoot(t, svc, "acme", 0, true)
	a, err := svc.CreateSubTenant("acme", "a")
	require.NoError(t, err)
	b, err := svc.CreateSubTenant("acme", "b")
	require.NoError(t, err)
	a1, err := svc.CreateSubTenant(a.ID, "a1")
	require.NoError(t, err)

	ids, err := svc.Subtree("acme")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", a.ID, b.ID, a1.ID}, ids)

	ids, err = svc.Subtree(a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, a1.ID}, ids)

	assert.ElementsMatch(t, []string{"acme", a.ID, b.ID, a1.ID}, svc.TenantIDs())
}
