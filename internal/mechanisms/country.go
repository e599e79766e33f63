package mechanisms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/metadata"
)

// country returns the validated country organisation unit, seeding its user
// groups the first time it is seen.
func (r *run) country(ctx context.Context, name string) (metadata.Entity, error) {
	if c, ok := r.countries[name]; ok {
		if c == nil {
			return nil, ErrNotACountry
		}
		return c, nil
	}
	c, err := r.gw.Resolve(ctx, "organisationUnit", metadata.ByName(name), false)
	if err != nil {
		return nil, err
	}
	if c.Name() != name {
		r.logger.Error("organisation unit name does not match", "want", name, "got", c.Name())
		r.countries[name] = nil
		return nil, ErrNotACountry
	}
	if err := r.validateCountry(ctx, c); err != nil {
		if metadata.IsFatal(err) {
			return nil, err
		}
		r.logger.Error("not a country", "name", name, "error", err)
		r.countries[name] = nil
		return nil, ErrNotACountry
	}
	r.countries[name] = c
	if r.opts.ConfigureSharing {
		if err := r.newCountry(ctx, name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// validateCountry walks two ancestors up from the operating unit and
// requires the root there. A country below a regional operating unit is
// walked from its region.
func (r *run) validateCountry(ctx context.Context, c metadata.Entity) error {
	start := c
	if c.Level() == 4 {
		region, err := r.parent(ctx, c)
		if err != nil {
			return err
		}
		if region == nil || !strings.Contains(region.Name(), "Region") {
			return fmt.Errorf("%q is at level 4 outside a region: %w", c.Name(), ErrNotACountry)
		}
		start = region
	}
	up := start
	for i := 0; i < 2; i++ {
		next, err := r.parent(ctx, up)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("%q has fewer than two ancestors: %w", c.Name(), ErrNotACountry)
		}
		up = next
	}
	if up.Name() != r.opts.RootOrgUnit || up.Ref("parent") != nil {
		return fmt.Errorf("%q is not under %q: %w", c.Name(), r.opts.RootOrgUnit, ErrNotACountry)
	}
	return nil
}

func (r *run) parent(ctx context.Context, ou metadata.Entity) (metadata.Entity, error) {
	ref := ou.Ref("parent")
	if ref == nil || ref.ID() == "" {
		return nil, nil
	}
	p, err := r.gw.GetByID(ctx, "organisationUnit", ref.ID())
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// newCountry seeds the country's user groups and their sharing.
func (r *run) newCountry(ctx context.Context, country string) error {
	logging.Action(r.logger, "country", "name", country)
	users, admins, allMech, err := r.addPrivateGroups(ctx, countryTeam(country), countryAdmins(country), countryAllMech(country))
	if err != nil {
		return err
	}
	acl := r.session.Sharing
	none := metadata.AccessNone
	err = acl.ShareCached(ctx, "userGroup", metadata.Refs(users, admins, allMech), none,
		readWrite(GlobalMetadataAdmins), read(GlobalUserAdmins), metadata.Read(admins))
	if err := r.tolerate(err, "sharing country groups", "country", country); err != nil {
		return err
	}
	err = acl.ShareCached(ctx, "userGroup", metadata.Refs(users), none, metadata.Read(users))
	if err := r.tolerate(err, "sharing country team", "country", country); err != nil {
		return err
	}

	dedup := []struct{ typ, id string }{
		{"categoryOption", dedupOptionID},
		{"categoryOptionGroup", dedupGroupID},
		{"categoryOptionGroup", allMechWoDedupID},
		{"categoryOptionGroupSet", dedupGroupSetID},
	}
	for _, d := range dedup {
		err := acl.ShareCachedQuietly(ctx, d.typ, metadata.Refs(metadata.Lookup(d.id)), none, metadata.Read(allMech))
		if err := r.tolerate(err, "sharing deduplication metadata", "type", d.typ, "id", d.id); err != nil {
			return err
		}
	}
	err = acl.ShareCachedQuietly(ctx, "userGroup", byNames(dataAccessGroups...), none, metadata.Read(admins))
	if err := r.tolerate(err, "sharing data access groups", "country", country); err != nil {
		return err
	}

	return r.manage(ctx, users, metadata.ByName(GlobalUserAdmins), admins)
}

// manage defers each manager managing the group.
func (r *run) manage(ctx context.Context, group metadata.Reference, managers ...metadata.Reference) error {
	for _, manager := range managers {
		err := r.session.Collections.DeferManagedGroup(ctx, manager, group)
		if err := r.tolerate(err, "deferring managed group", "manager", manager.String(), "group", group.String()); err != nil {
			return err
		}
	}
	return nil
}

// addPrivateGroups adds or updates three private user groups by name and
// returns references to them.
func (r *run) addPrivateGroups(ctx context.Context, names ...string) (users, admins, allMech metadata.Reference, err error) {
	refs := make([]metadata.Reference, len(names))
	for i, name := range names {
		g, err := r.gw.AddOrUpdatePrivate(ctx, "userGroup", metadata.Entity{"name": name})
		if err != nil {
			return users, admins, allMech, fmt.Errorf("user group %q: %w", name, err)
		}
		refs[i] = metadata.ByEntity(g)
	}
	return refs[0], refs[1], refs[2], nil
}
