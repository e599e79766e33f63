package metadata

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datim/mechsync/internal/dhis"
)

func TestShareMergesGrantsAndSkipsNoOps(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	a := srv.Seed("userGroup", map[string]any{"name": "A"})
	b := srv.Seed("userGroup", map[string]any{"name": "B"})
	option := srv.Seed("categoryOption", map[string]any{"name": "12345 - Mechanism"})

	require.NoError(t, acl.Share(ctx, "categoryOption", Refs(ByID(option)), "", Read(ByID(a)), ReadWrite(ByID(b))))
	assert.Equal(t, map[string]string{a: AccessRead, b: AccessReadWrite}, srv.ACL("categoryOption", option))

	srv.ResetRequests()
	require.NoError(t, acl.Share(ctx, "categoryOption", Refs(ByID(option)), "", ReadWrite(ByID(b))))
	assert.Empty(t, srv.Writes(), "an unchanged ACL must not be posted")
	assert.Equal(t, map[string]string{a: AccessRead, b: AccessReadWrite}, srv.ACL("categoryOption", option))
}

func TestShareReplaceDropsUnwantedGroups(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	a := srv.Seed("userGroup", map[string]any{"name": "A"})
	b := srv.Seed("userGroup", map[string]any{"name": "B"})
	option := srv.Seed("categoryOption", map[string]any{
		"name":              "12345 - Mechanism",
		"userGroupAccesses": []any{map[string]any{"id": a, "access": AccessRead}},
	})

	require.NoError(t, acl.ShareReplace(ctx, "categoryOption", Refs(ByID(option)), "", ReadWrite(ByID(b))))
	assert.Equal(t, map[string]string{b: AccessReadWrite}, srv.ACL("categoryOption", option))
}

func TestShareChangesPublicAccess(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	option := srv.Seed("categoryOption", map[string]any{"name": "12345 - Mechanism", "publicAccess": AccessReadWrite})

	require.NoError(t, acl.Share(ctx, "categoryOption", Refs(ByID(option)), AccessNone))
	assert.Equal(t, AccessNone, srv.Get("categoryOption", option)["publicAccess"])

	cached, _ := gw.Cache().Get("categoryOption", KeyID, option)
	assert.Equal(t, AccessNone, cached.String("publicAccess"), "cache refreshed after posting")
}

func TestShareReadsSharingEndpointWhenEntityLacksACL(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	a := srv.Seed("userGroup", map[string]any{"name": "A"})
	option := srv.Seed("categoryOption", map[string]any{
		"name":              "12345 - Mechanism",
		"userGroupAccesses": []any{map[string]any{"id": a, "access": AccessRead}},
	})
	gw.Cache().Store("categoryOption", Entity{"id": option, "name": "12345 - Mechanism"})

	require.NoError(t, acl.Share(ctx, "categoryOption", Refs(ByID(option)), "", Read(ByID(a))))
	assert.Empty(t, srv.Writes())
	var sawSharingGet bool
	for _, req := range srv.Requests() {
		if req.Method == http.MethodGet && req.Path == "/api/sharing?type=categoryOption&id="+option {
			sawSharingGet = true
		}
	}
	assert.True(t, sawSharingGet)
}

func TestShareCachedFlushesOncePerEntity(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	a := srv.Seed("userGroup", map[string]any{"name": "A"})
	b := srv.Seed("userGroup", map[string]any{"name": "B"})
	cog := srv.Seed("categoryOptionGroup", map[string]any{"name": "Agency USAID"})

	require.NoError(t, acl.ShareCached(ctx, "categoryOptionGroup", Refs(ByID(cog)), AccessNone, Read(ByName("A"))))
	require.NoError(t, acl.ShareCached(ctx, "categoryOptionGroup", Refs(ByID(cog)), AccessNone, ReadWrite(ByName("B"))))
	assert.Equal(t, 1, acl.Pending())
	srv.ResetRequests()

	require.NoError(t, acl.FlushShares(ctx))
	var posts int
	for _, req := range srv.Writes() {
		if req.Method == http.MethodPost {
			posts++
		}
	}
	assert.Equal(t, 1, posts)
	assert.Equal(t, 0, acl.Pending())
	assert.Equal(t, map[string]string{a: AccessRead, b: AccessReadWrite}, srv.ACL("categoryOptionGroup", cog))
}

func TestShareCachedReplaceRemovesStaleGrantsAtFlush(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	stale := srv.Seed("userGroup", map[string]any{"name": "OU Kenya Partner 1 users - Old Partner"})
	keep := srv.Seed("userGroup", map[string]any{"name": "Global all mechanisms"})
	option := srv.Seed("categoryOption", map[string]any{
		"name":              "12345 - Mechanism",
		"userGroupAccesses": []any{map[string]any{"id": stale, "access": AccessRead}},
	})

	require.NoError(t, acl.ShareCachedReplace(ctx, "categoryOption", Refs(ByID(option)), AccessNone, Read(ByID(keep))))
	require.NoError(t, acl.FlushShares(ctx))
	assert.Equal(t, map[string]string{keep: AccessRead}, srv.ACL("categoryOption", option))
}

func TestShareCachedQuietlyToleratesMissingGroups(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	option := srv.Seed("categoryOption", map[string]any{"name": "12345 - Mechanism"})

	require.NoError(t, acl.ShareCachedQuietly(ctx, "categoryOption", Refs(ByID(option), ByName("Missing option")), "", Read(ByName("Missing group"))))
	assert.Equal(t, 1, acl.Pending())

	err := acl.ShareCached(ctx, "categoryOption", Refs(ByID(option)), "", Read(ByName("Missing group")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFlushSharesStopsOnFatalErrorAndClears(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	a := srv.Seed("userGroup", map[string]any{"name": "A"})
	option := srv.Seed("categoryOption", map[string]any{"name": "12345 - Mechanism"})
	require.NoError(t, acl.ShareCached(ctx, "categoryOption", Refs(ByID(option)), "", Read(ByID(a))))
	gw.Cache().Clear()

	srv.FailNext(1, http.StatusUnauthorized)
	err := acl.FlushShares(ctx)
	require.ErrorIs(t, err, dhis.ErrUnauthorized)
	assert.Equal(t, 0, acl.Pending())
}

func TestUnshareIfExistsRemovesOnlyNamedGroups(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	ctx := context.Background()
	a := srv.Seed("userGroup", map[string]any{"name": "A"})
	b := srv.Seed("userGroup", map[string]any{"name": "B"})
	cog := srv.Seed("categoryOptionGroup", map[string]any{
		"name": "Partner 1 - Old Partner",
		"userGroupAccesses": []any{
			map[string]any{"id": a, "access": AccessRead},
			map[string]any{"id": b, "access": AccessRead},
		},
	})

	require.NoError(t, acl.UnshareIfExists(ctx, "categoryOptionGroup",
		Refs(ByID(cog), ByName("No such group")), ByName("A"), ByName("Not a group")))
	assert.Equal(t, map[string]string{b: AccessRead}, srv.ACL("categoryOptionGroup", cog))
}

func TestRemoveAllSharingEmptiesACL(t *testing.T) {
	srv, gw := newTestGateway(t)
	acl := NewACL(gw, nil)
	a := srv.Seed("userGroup", map[string]any{"name": "A"})
	option := srv.Seed("categoryOption", map[string]any{
		"name":              "12345 - Mechanism",
		"userGroupAccesses": []any{map[string]any{"id": a, "access": AccessReadWrite}},
	})

	require.NoError(t, acl.RemoveAllSharing(context.Background(), "categoryOption", ByID(option)))
	assert.Empty(t, srv.ACL("categoryOption", option))
}
