package metadata

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/dhistest"
)

func TestBatcherFlushAddsOnlyMissingMembersOnce(t *testing.T) {
	srv, gw := newTestGateway(t)
	b := NewBatcher(gw, nil)
	ctx := context.Background()
	o1 := srv.Seed("categoryOption", map[string]any{"name": "11111 - One"})
	o2 := srv.Seed("categoryOption", map[string]any{"name": "22222 - Two"})
	cog := srv.Seed("categoryOptionGroup", map[string]any{
		"name":            "Agency USAID",
		"categoryOptions": []any{map[string]any{"id": o1}},
	})

	coll := Members("categoryOption")
	require.NoError(t, b.DeferAdd(ctx, "categoryOptionGroup", ByID(cog), coll, ByID(o1), ByID(o2)))
	require.NoError(t, b.DeferAdd(ctx, "categoryOptionGroup", ByName("Agency USAID"), coll, ByName("22222 - Two")))
	assert.Equal(t, 2, b.Pending())

	srv.ResetRequests()
	require.NoError(t, b.Flush(ctx))
	writes := srv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "/api/categoryOptionGroups/"+cog+"/categoryOptions/"+o2, writes[0].Path)
	assert.ElementsMatch(t, []string{o1, o2}, srv.Members("categoryOptionGroup", cog, "categoryOptions"))
	assert.Equal(t, []string{cog}, srv.Members("categoryOption", o2, "categoryOptionGroups"))
	assert.Equal(t, 0, b.Pending())

	cached, _ := gw.Cache().Get("categoryOption", KeyID, o2)
	require.NotNil(t, cached)
	assert.True(t, cached.RefIDs("categoryOptionGroups")[cog], "member side relinked in cache")
}

func TestBatcherSkipsUnresolvableMembers(t *testing.T) {
	srv, gw := newTestGateway(t)
	b := NewBatcher(gw, nil)
	ctx := context.Background()
	cog := srv.Seed("categoryOptionGroup", map[string]any{"name": "Agency USAID"})

	require.NoError(t, b.DeferAdd(ctx, "categoryOptionGroup", ByID(cog), Members("categoryOption"), ByName("No such option")))
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherRequiresOwnerUnlessIfExists(t *testing.T) {
	_, gw := newTestGateway(t)
	b := NewBatcher(gw, nil)
	ctx := context.Background()

	err := b.DeferAdd(ctx, "categoryOptionGroupSet", ByName("Funding Agency"), Members("categoryOptionGroup"), ByName("Agency USAID"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.DeferAddIfExists(ctx, "userGroup", ByName("All mechanisms without deduplication"), Members("userGroup"), ByName("x")))
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherFlushClearsPendingOnFatalError(t *testing.T) {
	srv, gw := newTestGateway(t)
	b := NewBatcher(gw, nil)
	ctx := context.Background()
	manager := srv.Seed("userGroup", map[string]any{"name": "OU Kenya Agency USAID user administrators"})
	managed := srv.Seed("userGroup", map[string]any{"name": "OU Kenya Agency USAID users"})
	require.NoError(t, b.DeferManagedGroup(ctx, ByID(manager), ByID(managed)))

	srv.FailNext(1, http.StatusUnauthorized)
	err := b.Flush(ctx)
	require.ErrorIs(t, err, dhis.ErrUnauthorized)
	assert.Equal(t, 0, b.Pending())
	assert.Empty(t, srv.Members("userGroup", manager, "managedGroups"))
}

func TestAddToCollectionIfNeededIsIdempotent(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	cat := srv.Seed("category", map[string]any{"name": "Funding Mechanism"})
	option := srv.Seed("categoryOption", map[string]any{"name": "12345 - Mechanism"})

	require.NoError(t, gw.AddToCollectionIfNeeded(ctx, "category", ByID(cat), Members("categoryOption"), ByID(option)))
	require.NoError(t, gw.AddToCollectionIfNeeded(ctx, "category", ByID(cat), Members("categoryOption"), ByID(option)))
	assert.Len(t, srv.Writes(), 1)
	assert.Equal(t, []string{option}, srv.Members("category", cat, "categoryOptions"))
}

func TestRemoveAllManagedByGroupsDetachesEveryManager(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	managed := srv.Seed("userGroup", map[string]any{"name": "OU Kenya Partner 1 users - Acme"})
	m1 := srv.Seed("userGroup", map[string]any{"name": "Global Agency USAID user administrators", "managedGroups": []any{map[string]any{"id": managed}}})
	m2 := srv.Seed("userGroup", map[string]any{"name": "OU Kenya Agency USAID user administrators", "managedGroups": []any{map[string]any{"id": managed}}})

	require.NoError(t, gw.RemoveAllManagedByGroups(ctx, ByID(managed)))
	assert.Empty(t, srv.Members("userGroup", m1, "managedGroups"))
	assert.Empty(t, srv.Members("userGroup", m2, "managedGroups"))
	assert.Empty(t, srv.Members("userGroup", managed, "managedByGroups"))
}

func TestSessionFlushesCollectionsBeforeShares(t *testing.T) {
	srv := dhistest.New()
	s := NewSession(srv, nil)
	ctx := context.Background()
	group := srv.Seed("userGroup", map[string]any{"name": "Global all mechanisms"})
	cat := srv.Seed("category", map[string]any{"name": "Funding Mechanism"})
	option := srv.Seed("categoryOption", map[string]any{"name": "12345 - Mechanism"})

	require.NoError(t, s.Collections.DeferAdd(ctx, "category", ByID(cat), Members("categoryOption"), ByID(option)))
	require.NoError(t, s.Sharing.ShareCached(ctx, "categoryOption", Refs(ByID(option)), AccessNone, Read(ByID(group))))
	srv.ResetRequests()
	require.NoError(t, s.Flush(ctx))

	writes := srv.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "/api/categories/"+cat+"/categoryOptions/"+option, writes[0].Path)
	assert.Equal(t, "/api/sharing?type=categoryOption&id="+option, writes[1].Path)
}
