package mechanisms

import (
	"context"
	"fmt"
	"strings"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/metadata"
)

const (
	optionFields   = "id,name,shortName,code,publicAccess,startDate,endDate,organisationUnits[id,name],categoryOptionGroups[id,code],userGroupAccesses[id,displayName,access]"
	groupFields    = "id,name,shortName,code,publicAccess,categoryOptions[id],groupSets[id,name],userGroupAccesses[id,displayName,access]"
	groupSetFields = "id,name,publicAccess,categoryOptionGroups[id]"
	userGroupField = "id,name,publicAccess,userGroupAccesses[id,access,displayName],managedGroups[id,name],managedByGroups[id,name]"
	orgUnitFields  = "id,name,level,uuid,path,parent[id,name],attributeValues[attribute[name],value]"
)

// addBasicObjects creates the fixed metadata every run relies on.
func (r *run) addBasicObjects(ctx context.Context) error {
	category, err := r.gw.AddIfNotExists(ctx, "category", metadata.Entity{
		"id":                fundingMechanismCategoryID,
		"name":              FundingMechanism,
		"dataDimensionType": "ATTRIBUTE",
		"dimensionType":     "CATEGORY",
		"publicAccess":      metadata.AccessRead,
	})
	if err != nil {
		return fmt.Errorf("add category %q: %w", FundingMechanism, err)
	}
	r.category = category

	basics := []struct {
		typ string
		e   metadata.Entity
	}{
		{"categoryCombo", metadata.Entity{
			"id":                fundingMechanismComboID,
			"name":              FundingMechanism,
			"dataDimensionType": "ATTRIBUTE",
			"publicAccess":      metadata.AccessRead,
			"categories":        []any{map[string]any{"id": category.ID(), "name": FundingMechanism}},
		}},
		{"categoryOptionGroupSet", metadata.Entity{
			"id":                fundingAgencySetID,
			"name":              FundingAgency,
			"dataDimensionType": "ATTRIBUTE",
			"dimensionType":     "CATEGORYOPTION_GROUPSET",
			"publicAccess":      metadata.AccessRead,
		}},
		{"categoryOptionGroupSet", metadata.Entity{
			"id":                implementingPartnerSetID,
			"name":              ImplementingPartner,
			"dataDimensionType": "ATTRIBUTE",
			"dimensionType":     "CATEGORYOPTION_GROUPSET",
			"publicAccess":      metadata.AccessRead,
		}},
	}
	for _, b := range basics {
		if _, err := r.gw.AddIfNotExists(ctx, b.typ, b.e); err != nil {
			return fmt.Errorf("add %s %q: %w", b.typ, b.e.Name(), err)
		}
	}

	if !r.opts.ConfigureSharing {
		return nil
	}
	groups := []struct{ id, name string }{
		{"TOOIJWRzJ3g", GlobalAllMechanisms},
		{"XRHKxqIpQ0T", GlobalMetadataAdmins},
		{"ghYxzrKHldx", GlobalUserAdmins},
		{"gh9tn4QBbKZ", GlobalUsers},
		{"c6hGi8GEZot", DataSIAccess},
	}
	for _, g := range groups {
		if _, err := r.gw.AddIfNotExists(ctx, "userGroup", metadata.Entity{"id": g.id, "name": g.name, "publicAccess": metadata.AccessNone}); err != nil {
			return fmt.Errorf("add user group %q: %w", g.name, err)
		}
	}

	acl := r.session.Sharing
	admins := []metadata.Grant{readWrite(GlobalMetadataAdmins), read(GlobalUserAdmins)}
	if err := acl.ShareCached(ctx, "userGroup", byNames(GlobalAllMechanisms, GlobalMetadataAdmins, GlobalUserAdmins), metadata.AccessNone, admins...); err != nil {
		return err
	}
	withUsers := append(admins, read(GlobalUsers))
	return acl.ShareCached(ctx, "userGroup", byNames(GlobalUsers, DataSIAccess), metadata.AccessNone, withUsers...)
}

// preload warms the cache with everything the loop reads repeatedly.
func (r *run) preload(ctx context.Context) error {
	logging.Action(r.logger, "preloading cache")
	cache := r.session.Cache

	path := "categories/" + r.category.ID() + ".json?fields=categoryOptions[" + optionFields + "]"
	if _, err := r.gw.GetAllInPath(ctx, "categoryOption", path); err != nil {
		return fmt.Errorf("preload mechanisms: %w", err)
	}
	logging.Action(r.logger, "preloaded mechanisms", "count", len(cache.Keys("categoryOption", metadata.KeyName)))

	if _, err := r.gw.Preload(ctx, "categoryOptionGroup", groupFields); err != nil {
		return fmt.Errorf("preload category option groups: %w", err)
	}
	logging.Action(r.logger, "preloaded agencies and partners", "count", len(cache.Keys("categoryOptionGroup", metadata.KeyName)))
	if _, err := r.gw.Preload(ctx, "categoryOptionGroupSet", groupSetFields); err != nil {
		return fmt.Errorf("preload category option group sets: %w", err)
	}

	if r.opts.ConfigureSharing {
		if _, err := r.gw.Preload(ctx, "userGroup", userGroupField); err != nil {
			return fmt.Errorf("preload user groups: %w", err)
		}
		logging.Action(r.logger, "preloaded user groups", "count", len(cache.Keys("userGroup", metadata.KeyName)))
	}

	if _, err := r.gw.Preload(ctx, "organisationUnit", orgUnitFields, "level:le:3"); err != nil {
		return fmt.Errorf("preload organisation units: %w", err)
	}
	// Countries under a regional operating unit sit one level down.
	for _, ou := range cache.Values("organisationUnit", metadata.KeyID) {
		if ou.Level() != 3 || !strings.Contains(ou.Name(), "Region") {
			continue
		}
		path := ou.String("path")
		if len(path) > 11 {
			path = path[len(path)-11:]
		}
		if _, err := r.gw.Preload(ctx, "organisationUnit", orgUnitFields, "level:eq:4", "path:like:"+path); err != nil {
			return fmt.Errorf("preload countries under %q: %w", ou.Name(), err)
		}
	}
	logging.Action(r.logger, "preloaded organisation units", "count", len(cache.Keys("organisationUnit", metadata.KeyName)))
	return nil
}
