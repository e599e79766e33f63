package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/dhistest"
)

func newTestGateway(t *testing.T) (*dhistest.Server, *Gateway) {
	t.Helper()
	srv := dhistest.New()
	return srv, NewGateway(srv, NewCache(), nil)
}

func TestResolveLookupTriesIDThenNameThenCode(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	id := srv.Seed("userGroup", map[string]any{"name": "Global Users", "code": "GU01"})

	byID, err := gw.Resolve(ctx, "userGroup", Lookup(id), false)
	require.NoError(t, err)
	assert.Equal(t, "Global Users", byID.Name())

	gw.Cache().Clear()
	byName, err := gw.Resolve(ctx, "userGroup", Lookup("Global Users"), false)
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID())

	gw.Cache().Clear()
	byCode, err := gw.Resolve(ctx, "userGroup", Lookup("GU01"), false)
	require.NoError(t, err)
	assert.Equal(t, id, byCode.ID())
}

func TestResolveLookupPrefersCacheOverRemote(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	srv.Seed("userGroup", map[string]any{"name": "Data SI access"})
	_, err := gw.Resolve(ctx, "userGroup", ByName("Data SI access"), false)
	require.NoError(t, err)

	srv.ResetRequests()
	e, err := gw.Resolve(ctx, "userGroup", Lookup("Data SI access"), false)
	require.NoError(t, err)
	assert.Equal(t, "Data SI access", e.Name())
	assert.Empty(t, srv.Requests())
}

func TestGetByNameCachesConfirmedAbsence(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.GetByName(ctx, "userGroup", "OU Narnia Country team")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, srv.Requests(), 2, "exact then contains lookup")

	srv.ResetRequests()
	_, err = gw.GetByName(ctx, "userGroup", "OU Narnia Country team")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, srv.Requests())
}

func TestGetByNameFallsBackToContainsMatch(t *testing.T) {
	srv, gw := newTestGateway(t)
	id := srv.Seed("organisationUnit", map[string]any{"name": "Cote d'Ivoire"})

	e, err := gw.GetByName(context.Background(), "organisationUnit", "Ivoire")
	require.NoError(t, err)
	assert.Equal(t, id, e.ID())
}

func TestGetByIDCachesNotFound(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.GetByID(ctx, "category", "abcdefghijk")
	require.ErrorIs(t, err, ErrNotFound)
	srv.ResetRequests()
	_, err = gw.GetByID(ctx, "category", "abcdefghijk")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, srv.Requests())
}

func TestResolveReturnsTransportErrorsUnchanged(t *testing.T) {
	srv, gw := newTestGateway(t)
	srv.FailNext(1, http.StatusUnauthorized)

	_, err := gw.Resolve(context.Background(), "userGroup", ByName("Global Users"), false)
	require.ErrorIs(t, err, dhis.ErrUnauthorized)
	assert.True(t, IsFatal(err))
}

func TestAddRequestsSharingWhenPublicAccessSet(t *testing.T) {
	srv, gw := newTestGateway(t)
	e, err := gw.Add(context.Background(), "userGroup", Entity{"name": "Global all mechanisms", "publicAccess": AccessNone})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID())

	writes := srv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "/api/userGroups?sharing=true", writes[0].Path)
	cached, _ := gw.Cache().Get("userGroup", KeyName, "Global all mechanisms")
	assert.Equal(t, e.ID(), cached.ID())
}

func TestAddOrUpdateIsIdempotent(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	desired := Entity{"name": "12345 - Malaria Care", "code": "12345", "shortName": "12345 - Malaria Care"}

	first, err := gw.AddOrUpdatePrivate(ctx, "categoryOption", desired)
	require.NoError(t, err)
	require.Len(t, srv.Writes(), 1)

	srv.ResetRequests()
	second, err := gw.AddOrUpdatePrivate(ctx, "categoryOption", desired)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Empty(t, srv.Writes())
}

func TestAddOrUpdateWritesOnlyWhenFieldsDiffer(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	ou := srv.Seed("organisationUnit", map[string]any{"name": "Kenya"})
	id := srv.Seed("categoryOptionGroup", map[string]any{"name": "Agency USAID", "shortName": "USAID", "code": "Agency_USAID"})

	_, err := gw.AddOrUpdate(ctx, "categoryOptionGroup", Entity{
		"name":              "Agency USAID",
		"shortName":         "USAID",
		"code":              "Agency_USAID",
		"organisationUnits": []any{map[string]any{"id": ou}},
	})
	require.NoError(t, err)
	writes := srv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, http.MethodPut, writes[0].Method)
	assert.Contains(t, writes[0].Path, "/api/categoryOptionGroups/"+id)
	assert.Equal(t, []string{ou}, srv.Members("categoryOptionGroup", id, "organisationUnits"))
}

func TestAddOrUpdateTruncatesLongNames(t *testing.T) {
	srv, gw := newTestGateway(t)
	long := strings.Repeat("x", MaxNameLength+20)

	e, err := gw.AddOrUpdatePrivateWithShortName(context.Background(), "categoryOption", Entity{"name": long})
	require.NoError(t, err)
	assert.Len(t, e.Name(), MaxNameLength)
	assert.Len(t, e.String("shortName"), MaxShortNameLength)
	assert.NotNil(t, srv.Find("categoryOption", "name", long[:MaxNameLength]))
}

func TestUpdateStripsHref(t *testing.T) {
	srv, gw := newTestGateway(t)
	id := srv.Seed("category", map[string]any{"name": "Funding Mechanism"})
	e, err := gw.GetByID(context.Background(), "category", id)
	require.NoError(t, err)
	e = e.Clone()
	e["href"] = "https://example.org/api/categories/" + id

	require.NoError(t, gw.Update(context.Background(), "category", e))
	writes := srv.Writes()
	require.Len(t, writes, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(writes[0].Body, &body))
	assert.NotContains(t, body, "href")
}

func TestPutRejectsForbiddenField(t *testing.T) {
	srv, gw := newTestGateway(t)
	err := gw.put(context.Background(), "category", Entity{"id": "abcdefghijk", "name": "x", "href": "y"})
	require.ErrorIs(t, err, ErrForbiddenField)
	assert.Empty(t, srv.Requests())
}

func TestRenameLeavesOldNameUnresolvable(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	id := srv.Seed("categoryOption", map[string]any{"name": "12345 - Old Name", "code": "12345"})
	_, err := gw.GetByName(ctx, "categoryOption", "12345 - Old Name")
	require.NoError(t, err)

	renamed, err := gw.Rename(ctx, "categoryOption", ByCode("12345"), "12345 - New Name", "12345 - New Name")
	require.NoError(t, err)
	assert.Equal(t, id, renamed.ID())

	_, known := gw.Cache().Get("categoryOption", KeyName, "12345 - Old Name")
	assert.False(t, known)
	byCode, _ := gw.Cache().Get("categoryOption", KeyCode, "12345")
	assert.Equal(t, "12345 - New Name", byCode.Name())
	assert.Equal(t, "12345 - New Name", srv.Get("categoryOption", id)["name"])
}

// The contains fallback of a name lookup still reaches an entity whose new
// name embeds the old one.
func TestOldNameResolvesWhenNewNameContainsIt(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	id := srv.Seed("categoryOptionGroup", map[string]any{"name": "State/AF", "code": "Partner_300"})

	_, err := gw.Rename(ctx, "categoryOptionGroup", ByCode("Partner_300"), "State/AF (partner)", "State/AF (partner)")
	require.NoError(t, err)

	got, err := gw.Resolve(ctx, "categoryOptionGroup", Lookup("State/AF"), true)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID())
	assert.Equal(t, "State/AF (partner)", got.Name())
}

func TestDeleteMarksEntityAbsent(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	id := srv.Seed("userGroup", map[string]any{"name": "Stale group"})

	require.NoError(t, gw.Delete(ctx, "userGroup", ByID(id)))
	assert.Nil(t, srv.Get("userGroup", id))

	srv.ResetRequests()
	_, err := gw.Resolve(ctx, "userGroup", ByName("Stale group"), true)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, srv.Requests())
}

func TestGetAllAppliesFiltersAndCachesResults(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	root := srv.SeedOrgUnit("Global", "", nil)
	region := srv.SeedOrgUnit("Asia Region", root, nil)
	srv.SeedOrgUnit("Burma", region, nil)
	srv.SeedOrgUnit("Kachin", srv.SeedOrgUnit("Other", region, nil), nil)

	n, err := gw.Preload(ctx, "organisationUnit", "id,name,level,path,parent[id,name]", "level:le:3")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	srv.ResetRequests()
	burma, err := gw.Resolve(ctx, "organisationUnit", ByName("Burma"), false)
	require.NoError(t, err)
	assert.Equal(t, 3, burma.Level())
	assert.Empty(t, srv.Requests())
}

func TestMaintenanceCallsHitEndpoints(t *testing.T) {
	srv, gw := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.ClearServerCache(ctx))
	require.NoError(t, gw.CategoryOptionComboUpdate(ctx))
	require.NoError(t, gw.ResourceTablesUpdate(ctx))

	assert.Equal(t, 1, srv.Maintenance("/api/maintenance/cache"))
	assert.Equal(t, 1, srv.Maintenance("/api/maintenance/categoryOptionComboUpdate"))
	assert.Equal(t, 1, srv.Maintenance("/api/resourceTables"))
	assert.Empty(t, srv.Writes())
}
