package mechanisms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/metadata"
)

// groupByCodeOrName finds an agency or partner group by code, falling back to
// a code-less group of exactly the given name. A name match gains the code.
func (r *run) groupByCodeOrName(ctx context.Context, code, name string) (metadata.Entity, error) {
	cog, err := r.gw.GetByCode(ctx, "categoryOptionGroup", code)
	if err == nil {
		return cog, nil
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		return nil, err
	}
	cog, err = r.gw.GetByName(ctx, "categoryOptionGroup", name)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cog.Code() != "" || !strings.EqualFold(cog.Name(), name) {
		return nil, nil
	}
	logging.Action(r.logger, "adding code to category option group", "name", cog.Name(), "code", code)
	cog = cog.Clone()
	cog["code"] = code
	if err := r.gw.Update(ctx, "categoryOptionGroup", cog); err != nil {
		return nil, err
	}
	return cog, nil
}

func (r *run) agencyGlobal(ctx context.Context, agency string) (metadata.Entity, error) {
	if cog, ok := r.agenciesGlobal[agency]; ok {
		return cog, nil
	}
	r.logger.Info("agency", "name", agency)

	code := agencyCode(agency)
	cog, err := r.groupByCodeOrName(ctx, code, agency)
	if err != nil {
		return nil, err
	}
	if cog != nil {
		if cog.String("shortName") != metadata.Truncate(agency, metadata.MaxShortNameLength) {
			if cog, err = r.gw.FixShortName(ctx, "categoryOptionGroup", metadata.ByEntity(cog)); err != nil {
				return nil, err
			}
		}
	} else {
		logging.Action(r.logger, "adding agency", "name", agency)
		cog, err = r.gw.AddOrUpdatePrivateWithShortName(ctx, "categoryOptionGroup", metadata.Entity{"code": code, "name": agency})
		if err != nil {
			return nil, err
		}
	}
	err = r.session.Collections.DeferAdd(ctx, "categoryOptionGroupSet", metadata.ByName(FundingAgency), metadata.Members("categoryOptionGroup"), metadata.ByEntity(cog))
	if err := r.tolerate(err, "deferring agency group set membership", "agency", agency); err != nil {
		return nil, err
	}
	r.agenciesGlobal[agency] = cog

	if !r.opts.ConfigureSharing {
		return cog, nil
	}

	users, admins, allMech, err := r.addPrivateGroups(ctx, globalAgencyUsers(agency), globalAgencyAdmins(agency), globalAgencyAllMech(agency))
	if err != nil {
		return nil, err
	}
	acl := r.session.Sharing
	none := metadata.AccessNone
	shares := []struct {
		typ  string
		from []metadata.Reference
		to   []metadata.Grant
	}{
		{"categoryOptionGroup", metadata.Refs(metadata.ByEntity(cog)), []metadata.Grant{
			readWrite(GlobalMetadataAdmins), read(GlobalUserAdmins), read(GlobalAllMechanisms), metadata.Read(users)}},
		{"userGroup", metadata.Refs(users, allMech), []metadata.Grant{
			readWrite(GlobalMetadataAdmins), read(GlobalUserAdmins), metadata.Read(allMech)}},
		{"userGroup", metadata.Refs(admins), []metadata.Grant{
			readWrite(GlobalMetadataAdmins), metadata.Read(allMech)}},
	}
	for _, s := range shares {
		err := acl.ShareCached(ctx, s.typ, s.from, none, s.to...)
		if err := r.tolerate(err, "sharing global agency metadata", "agency", agency); err != nil {
			return nil, err
		}
	}
	err = acl.ShareCachedQuietly(ctx, "userGroup", byNames(dataAccessGroups...), none, metadata.Read(admins))
	if err := r.tolerate(err, "sharing data access groups", "agency", agency); err != nil {
		return nil, err
	}
	if err := r.manage(ctx, users, metadata.ByName(GlobalUserAdmins), admins); err != nil {
		return nil, err
	}
	return cog, nil
}

// agencyInCountry sets up the agency globally if needed, then its user
// groups in the country.
func (r *run) agencyInCountry(ctx context.Context, agency, country string) (metadata.Entity, error) {
	cog, err := r.agencyGlobal(ctx, agency)
	if err != nil {
		return nil, err
	}
	key := country + "-agency-" + agency
	if r.agenciesInCountry[key] {
		return cog, nil
	}
	r.logger.Info("agency in country", "country", country, "agency", agency)
	if !r.opts.ConfigureSharing {
		r.agenciesInCountry[key] = true
		return cog, nil
	}

	users, admins, allMech, err := r.addPrivateGroups(ctx,
		countryAgencyUsers(country, agency), countryAgencyAdmins(country, agency), countryAgencyAllMech(country, agency))
	if err != nil {
		return nil, err
	}
	acl := r.session.Sharing
	none := metadata.AccessNone
	err = acl.ShareCached(ctx, "categoryOptionGroup", metadata.Refs(metadata.ByEntity(cog)), none,
		read(countryAllMech(country)), metadata.Read(users))
	if err := r.tolerate(err, "sharing agency with country", "agency", agency, "country", country); err != nil {
		return nil, err
	}
	err = acl.ShareCached(ctx, "userGroup", metadata.Refs(users, admins, allMech), none,
		readWrite(GlobalMetadataAdmins),
		read(GlobalUserAdmins),
		read(globalAgencyAdmins(agency)),
		read(countryAdmins(country)),
		metadata.Read(admins))
	if err := r.tolerate(err, "sharing country agency groups", "agency", agency, "country", country); err != nil {
		return nil, err
	}
	// Self share goes on the same pending entry as the shares above.
	err = acl.ShareCached(ctx, "userGroup", metadata.Refs(users), none, metadata.Read(users))
	if err := r.tolerate(err, "sharing country agency users", "agency", agency, "country", country); err != nil {
		return nil, err
	}
	err = acl.ShareCachedQuietly(ctx, "userGroup", byNames(dataAccessGroups...), none, metadata.Read(admins))
	if err := r.tolerate(err, "sharing data access groups", "agency", agency, "country", country); err != nil {
		return nil, err
	}
	err = r.manage(ctx, users,
		metadata.ByName(GlobalUserAdmins),
		metadata.ByName(globalAgencyAdmins(agency)),
		metadata.ByName(countryAdmins(country)),
		admins)
	if err != nil {
		return nil, fmt.Errorf("agency %q in %q: %w", agency, country, err)
	}
	r.agenciesInCountry[key] = true
	return cog, nil
}
