package dhistest

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatedObjectsCarryEmptyCollections(t *testing.T) {
	srv := New()
	ctx := context.Background()

	_, err := srv.Do(ctx, http.MethodPost, "/api/categories", map[string]any{
		"id":   "SH885jaRe0o",
		"name": "Funding Mechanism",
	})
	require.NoError(t, err)

	raw, err := srv.Do(ctx, http.MethodGet, "/api/categories/SH885jaRe0o.json?fields=categoryOptions[id,name]", nil)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	options, ok := body["categoryOptions"].([]any)
	require.True(t, ok, "categoryOptions missing from %s", raw)
	assert.Empty(t, options)

	group := srv.Seed("userGroup", map[string]any{"name": "Global Users"})
	for _, field := range []string{"managedGroups", "managedByGroups"} {
		value := srv.Get("userGroup", group)[field]
		require.IsType(t, []any{}, value, field)
		assert.Empty(t, value, field)
	}
}

func TestCreateLinksBothSidesOfCollections(t *testing.T) {
	srv := New()
	option := srv.Seed("categoryOption", map[string]any{"name": "10001 - Mech One"})
	category := srv.Seed("category", map[string]any{
		"name":            "Funding Mechanism",
		"categoryOptions": []any{map[string]any{"id": option}},
	})

	assert.Equal(t, []string{option}, srv.Members("category", category, "categoryOptions"))
	assert.Equal(t, []string{category}, srv.Members("categoryOption", option, "categories"))
}
