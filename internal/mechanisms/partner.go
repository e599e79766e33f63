package mechanisms

import (
	"context"
	"strings"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/metadata"
)

func (r *run) partnerGlobal(ctx context.Context, code, name string) (metadata.Entity, error) {
	if cog, ok := r.partnersGlobal[code]; ok {
		return cog, nil
	}
	r.logger.Info("partner", "code", code, "name", name)

	name = metadata.Truncate(name, metadata.MaxNameLength)
	cog, err := r.groupByCodeOrName(ctx, partnerCode(code), name)
	if err != nil {
		return nil, err
	}
	switch {
	case cog == nil:
		logging.Action(r.logger, "adding partner", "code", code, "name", name)
		cog, err = r.gw.AddOrUpdatePrivateWithShortName(ctx, "categoryOptionGroup", metadata.Entity{"code": partnerCode(code), "name": name})
	case cog.Name() != name:
		cog, err = r.renamePartner(ctx, cog, code, name)
	case cog.String("shortName") != metadata.Truncate(name, metadata.MaxShortNameLength):
		cog, err = r.gw.FixShortName(ctx, "categoryOptionGroup", metadata.ByEntity(cog))
	}
	if err != nil {
		return nil, err
	}
	err = r.session.Collections.DeferAdd(ctx, "categoryOptionGroupSet", metadata.ByName(ImplementingPartner), metadata.Members("categoryOptionGroup"), metadata.ByEntity(cog))
	if err := r.tolerate(err, "deferring partner group set membership", "partnerCode", code); err != nil {
		return nil, err
	}
	r.partnersGlobal[code] = cog

	if !r.opts.ConfigureSharing {
		return cog, nil
	}
	err = r.session.Sharing.ShareCached(ctx, "categoryOptionGroup", metadata.Refs(metadata.ByEntity(cog)), metadata.AccessNone,
		readWrite(GlobalMetadataAdmins), read(GlobalAllMechanisms))
	if err := r.tolerate(err, "sharing global partner", "partnerCode", code); err != nil {
		return nil, err
	}
	return cog, nil
}

// renamePartner renames the partner group and every user group whose name
// embeds the partner, keeping the part before the partner name.
func (r *run) renamePartner(ctx context.Context, cog metadata.Entity, code, name string) (metadata.Entity, error) {
	logging.Action(r.logger, "renaming partner", "code", code, "from", cog.Name(), "to", name)
	marker := " Partner " + code
	groups, err := r.gw.GetAllLike(ctx, "userGroup", marker+" ", userGroupField)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		at := strings.Index(g.Name(), marker)
		if at < 0 {
			continue
		}
		dash := strings.Index(g.Name()[at:], " - ")
		if dash < 0 {
			continue
		}
		renamed := groupName(g.Name()[:at+dash+3] + name)
		if renamed == g.Name() {
			continue
		}
		if _, err := r.gw.Rename(ctx, "userGroup", metadata.ByEntity(g), renamed, ""); err != nil {
			if err := r.tolerate(err, "renaming partner user group", "group", g.Name()); err != nil {
				return nil, err
			}
		}
	}
	return r.gw.Rename(ctx, "categoryOptionGroup", metadata.ByEntity(cog), name, name)
}

func (r *run) partnerInCountry(ctx context.Context, code, name, country string) (metadata.Entity, error) {
	cog, err := r.partnerGlobal(ctx, code, name)
	if err != nil {
		return nil, err
	}
	key := country + "-partner-" + code
	if r.partnersInCountry[key] {
		return cog, nil
	}
	r.logger.Info("partner in country", "country", country, "code", code, "name", name)
	if !r.opts.ConfigureSharing {
		r.partnersInCountry[key] = true
		return cog, nil
	}

	users, admins, allMech, err := r.addPrivateGroups(ctx,
		countryPartnerUsers(country, code, name), countryPartnerAdmins(country, code, name), countryPartnerAllMech(country, code, name))
	if err != nil {
		return nil, err
	}
	acl := r.session.Sharing
	none := metadata.AccessNone
	err = acl.ShareCached(ctx, "categoryOptionGroup", metadata.Refs(metadata.ByEntity(cog)), none,
		read(countryAllMech(country)), metadata.Read(users))
	if err := r.tolerate(err, "sharing partner with country", "partnerCode", code, "country", country); err != nil {
		return nil, err
	}
	err = acl.ShareCached(ctx, "userGroup", metadata.Refs(users, admins, allMech), none,
		readWrite(GlobalMetadataAdmins),
		read(GlobalUserAdmins),
		read(countryAdmins(country)),
		metadata.Read(admins))
	if err := r.tolerate(err, "sharing country partner groups", "partnerCode", code, "country", country); err != nil {
		return nil, err
	}
	err = acl.ShareCached(ctx, "userGroup", metadata.Refs(users), none, metadata.Read(users))
	if err := r.tolerate(err, "sharing country partner users", "partnerCode", code, "country", country); err != nil {
		return nil, err
	}
	err = acl.ShareCachedQuietly(ctx, "userGroup", byNames(dataAccessGroups...), none, metadata.Read(admins))
	if err := r.tolerate(err, "sharing data access groups", "partnerCode", code, "country", country); err != nil {
		return nil, err
	}
	err = r.manage(ctx, users, metadata.ByName(GlobalUserAdmins), metadata.ByName(countryAdmins(country)), admins)
	if err != nil {
		return nil, err
	}
	r.partnersInCountry[key] = true
	return cog, nil
}
