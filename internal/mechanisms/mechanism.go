package mechanisms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/metadata"
)

func optionCountry(option metadata.Entity) metadata.Entity {
	ous := option.Refs("organisationUnits")
	if len(ous) == 0 {
		return nil
	}
	return ous[0]
}

func optionCountryName(option metadata.Entity) string {
	if c := optionCountry(option); c != nil {
		return c.Name()
	}
	return ""
}

// sameDate compares the date part of two timestamps.
func sameDate(have, want string) bool {
	if len(have) > 10 {
		have = have[:10]
	}
	return have == want
}

// inGroupSet reports whether a category option group belongs to the named
// group set.
func inGroupSet(cog metadata.Entity, name, id string) bool {
	if set := cog.Ref("categoryOptionGroupSet"); set != nil && (set.Name() == name || set.ID() == id) {
		return true
	}
	for _, set := range cog.Refs("groupSets") {
		if set.Name() == name || set.ID() == id {
			return true
		}
	}
	return false
}

// mechanism converges the mechanism's category option, its group
// memberships and, with sharing, its user group and ACLs.
func (r *run) mechanism(ctx context.Context, m *Record, country, agencyCog, partnerCog metadata.Entity) error {
	r.logger.Info("mechanism", "country", m.Country, "agency", m.Agency, "partnerCode", m.PartnerCode, "code", m.Code, "name", m.Name)
	if err := r.tolerate(r.gw.ClearServerCache(ctx), "clearing server cache"); err != nil {
		return err
	}

	name := metadata.Truncate(m.OptionName(), metadata.MaxNameLength)
	option, err := r.gw.GetByCode(ctx, "categoryOption", m.Code)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		logging.Action(r.logger, "adding mechanism", "name", name)
		option, err = r.gw.AddOrUpdatePrivateWithShortName(ctx, "categoryOption", metadata.Entity{
			"code":              m.Code,
			"name":              name,
			"startDate":         m.Start,
			"endDate":           m.End,
			"organisationUnits": []any{metadata.RefTo(country)},
		})
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if option, err = r.updateMechanism(ctx, m, option, name, country); err != nil {
			return err
		}
	}

	batch := r.session.Collections
	members := metadata.Members("categoryOption")
	self := metadata.ByEntity(option)
	adds := []struct {
		typ   string
		owner metadata.Reference
	}{
		{"category", metadata.ByEntity(r.category)},
		{"categoryOptionGroup", metadata.ByEntity(agencyCog)},
		{"categoryOptionGroup", metadata.ByEntity(partnerCog)},
	}
	for _, add := range adds {
		err := batch.DeferAdd(ctx, add.typ, add.owner, members, self)
		if err := r.tolerate(err, "deferring mechanism membership", "code", m.Code, "owner", add.owner.String()); err != nil {
			return err
		}
	}
	err = batch.DeferAddIfExists(ctx, "categoryOptionGroup", metadata.ByName(allMechanismsWithoutDedup), members, self)
	if err := r.tolerate(err, "deferring mechanism membership", "code", m.Code, "owner", allMechanismsWithoutDedup); err != nil {
		return err
	}

	if !r.opts.ConfigureSharing {
		return nil
	}
	return r.shareMechanism(ctx, m, option, country.Name())
}

// updateMechanism applies name, group, country and date changes to an
// existing mechanism, in that order.
func (r *run) updateMechanism(ctx context.Context, m *Record, option metadata.Entity, name string, country metadata.Entity) (metadata.Entity, error) {
	var err error
	if option.Name() != name {
		if option, err = r.renameMechanism(ctx, option, name); err != nil {
			return nil, err
		}
	}
	// Unassigned agencies and partners go before any country change, which
	// depends on the old group names.
	if err := r.removeUnassignedGroups(ctx, option, partnerCode(m.PartnerCode), agencyCode(m.Agency)); err != nil {
		return nil, err
	}
	if optionCountryName(option) != country.Name() {
		if option, err = r.changeCountry(ctx, m, option, country); err != nil {
			return nil, err
		}
	}
	if !sameDate(option.String("startDate"), m.Start) || !sameDate(option.String("endDate"), m.End) {
		logging.Action(r.logger, "changing mechanism dates", "name", option.Name(),
			"from", option.String("startDate")+"/"+option.String("endDate"), "to", m.Start+"/"+m.End)
		option = option.Clone()
		option["startDate"] = m.Start
		option["endDate"] = m.End
		if err := r.gw.Update(ctx, "categoryOption", option); err != nil {
			return nil, err
		}
	}
	return option, nil
}

// renameMechanism renames the option and, with sharing, the mechanism's
// user group whose name embeds it.
func (r *run) renameMechanism(ctx context.Context, option metadata.Entity, name string) (metadata.Entity, error) {
	logging.Action(r.logger, "renaming mechanism", "code", option.Code(), "from", option.Name(), "to", name)
	oldGroup := mechanismGroup(optionCountryName(option), option.Name())
	renamed, err := r.gw.Rename(ctx, "categoryOption", metadata.ByEntity(option), name, name)
	if err != nil {
		return nil, err
	}
	if !r.opts.ConfigureSharing {
		return renamed, nil
	}
	group, err := r.gw.Resolve(ctx, "userGroup", metadata.ByName(oldGroup), true)
	if errors.Is(err, metadata.ErrNotFound) || (err == nil && group.Name() != oldGroup) {
		return renamed, nil
	}
	if err != nil {
		return nil, err
	}
	newGroup := mechanismGroup(optionCountryName(renamed), renamed.Name())
	if _, err := r.gw.Rename(ctx, "userGroup", metadata.ByEntity(group), newGroup, ""); err != nil {
		if err := r.tolerate(err, "renaming mechanism user group", "group", oldGroup); err != nil {
			return nil, err
		}
	}
	return renamed, nil
}

// removeUnassignedGroups takes the mechanism out of any agency or partner
// group other than the ones it is now assigned to.
func (r *run) removeUnassignedGroups(ctx context.Context, option metadata.Entity, partner, agency string) error {
	for _, ref := range option.Refs("categoryOptionGroups") {
		code := ref.Code()
		if code != "" && (code == partner || code == agency || code == allMechanismsWithoutDedupCode) {
			continue
		}
		cog, err := r.gw.GetByID(ctx, "categoryOptionGroup", ref.ID())
		if err != nil {
			if err := r.tolerate(err, "reading mechanism group", "id", ref.ID()); err != nil {
				return err
			}
			continue
		}
		switch {
		case inGroupSet(cog, FundingAgency, fundingAgencySetID):
			err = r.removeAgency(ctx, option, cog)
		case inGroupSet(cog, ImplementingPartner, implementingPartnerSetID):
			err = r.removePartner(ctx, option, cog)
		}
		if err := r.tolerate(err, "removing mechanism from group", "code", option.Code(), "group", cog.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) removeAgency(ctx context.Context, option, cog metadata.Entity) error {
	logging.Action(r.logger, "removing agency from mechanism", "agency", cog.Name(), "mechanism", option.Name())
	if err := r.gw.RemoveFromCollection(ctx, "categoryOptionGroup", metadata.ByEntity(cog), metadata.Members("categoryOption"), metadata.ByEntity(option)); err != nil {
		return err
	}
	if !r.opts.ConfigureSharing {
		return nil
	}
	country := optionCountryName(option)
	return r.session.Sharing.UnshareIfExists(ctx, "userGroup",
		byNames(mechanismGroup(country, option.Name())),
		byNames(globalAgencyAllMech(cog.Name()), countryAgencyAllMech(country, cog.Name()))...)
}

func (r *run) removePartner(ctx context.Context, option, cog metadata.Entity) error {
	logging.Action(r.logger, "removing partner from mechanism", "partner", cog.Code(), "mechanism", option.Name())
	if err := r.gw.RemoveFromCollection(ctx, "categoryOptionGroup", metadata.ByEntity(cog), metadata.Members("categoryOption"), metadata.ByEntity(option)); err != nil {
		return err
	}
	if !r.opts.ConfigureSharing {
		return nil
	}
	country := optionCountryName(option)
	group := mechanismGroup(country, option.Name())
	acl := r.session.Sharing
	if err := acl.UnshareIfExists(ctx, "categoryOptionGroup", metadata.Refs(metadata.ByEntity(cog)), metadata.ByName(group)); err != nil {
		return err
	}
	_, code, _ := strings.Cut(cog.Code(), "_")
	return acl.UnshareIfExists(ctx, "userGroup", byNames(group), metadata.ByName(countryPartnerAllMech(country, code, cog.Name())))
}

// changeCountry relinks the mechanism to its new country. The mechanism's
// user group is deleted, since its members are country users; it is
// recreated under the new country name.
func (r *run) changeCountry(ctx context.Context, m *Record, option, country metadata.Entity) (metadata.Entity, error) {
	logging.Action(r.logger, "changing mechanism country", "from", optionCountryName(option), "to", country.Name(), "mechanism", option.Name())
	if r.opts.ConfigureSharing && optionCountryName(option) != "" {
		if err := r.dropMechanismGroup(ctx, m, option); err != nil {
			return nil, err
		}
	}
	moved := option.Clone()
	moved["organisationUnits"] = []any{metadata.RefTo(country)}
	if err := r.gw.Update(ctx, "categoryOption", moved); err != nil {
		return nil, err
	}
	return moved, nil
}

func (r *run) dropMechanismGroup(ctx context.Context, m *Record, option metadata.Entity) error {
	name := mechanismGroup(optionCountryName(option), option.Name())
	group, err := r.gw.Resolve(ctx, "userGroup", metadata.ByName(name), true)
	if errors.Is(err, metadata.ErrNotFound) || (err == nil && group.Name() != name) {
		return nil
	}
	if err != nil {
		return err
	}
	ref := metadata.ByEntity(group)
	acl := r.session.Sharing
	steps := []struct {
		what string
		fn   func() error
	}{
		{"removing managers", func() error { return r.gw.RemoveAllManagedByGroups(ctx, ref) }},
		{"removing sharing", func() error { return acl.RemoveAllSharing(ctx, "userGroup", ref) }},
		{"unsharing mechanism", func() error {
			return acl.UnshareIfExists(ctx, "categoryOption", metadata.Refs(metadata.ByEntity(option)), ref)
		}},
		{"unsharing partner", func() error {
			return acl.UnshareIfExists(ctx, "categoryOptionGroup", metadata.Refs(metadata.ByCode(partnerCode(m.PartnerCode))), ref)
		}},
	}
	for _, step := range steps {
		if err := r.tolerate(step.fn(), step.what, "group", name); err != nil {
			return err
		}
	}
	if err := r.gw.Delete(ctx, "userGroup", metadata.ByID(group.ID())); err != nil {
		return fmt.Errorf("delete mechanism user group %q: %w", name, err)
	}
	return nil
}

// shareMechanism creates the mechanism's user group and replaces the ACLs of
// the mechanism, its partner group and its user group.
func (r *run) shareMechanism(ctx context.Context, m *Record, option metadata.Entity, country string) error {
	group, err := r.gw.AddOrUpdatePrivate(ctx, "userGroup", metadata.Entity{"name": mechanismGroup(country, option.Name())})
	if err != nil {
		return fmt.Errorf("mechanism user group: %w", err)
	}
	acl := r.session.Sharing
	none := metadata.AccessNone
	agency := m.Agency
	shares := []struct {
		typ  string
		from metadata.Reference
		to   []metadata.Grant
	}{
		{"categoryOptionGroup", metadata.ByCode(partnerCode(m.PartnerCode)), []metadata.Grant{
			read(globalAgencyAllMech(agency)),
			read(countryAgencyAllMech(country, agency)),
		}},
		{"categoryOption", metadata.ByEntity(option), []metadata.Grant{
			readWrite(GlobalMetadataAdmins),
			read(GlobalAllMechanisms),
			read(globalAgencyAllMech(agency)),
			read(countryAllMech(country)),
			read(countryAgencyAllMech(country, agency)),
			read(countryPartnerAllMech(country, m.PartnerCode, m.PartnerName)),
			metadata.Read(metadata.ByEntity(group)),
		}},
		{"userGroup", metadata.ByEntity(group), []metadata.Grant{
			readWrite(GlobalMetadataAdmins),
			read(GlobalUserAdmins),
			read(globalAgencyAdmins(agency)),
			read(countryAdmins(country)),
			read(countryAgencyAdmins(country, agency)),
			read(countryPartnerAdmins(country, m.PartnerCode, m.PartnerName)),
		}},
	}
	for _, s := range shares {
		err := acl.ShareCachedReplace(ctx, s.typ, metadata.Refs(s.from), none, s.to...)
		if err := r.tolerate(err, "sharing mechanism metadata", "code", m.Code, "type", s.typ); err != nil {
			return err
		}
	}
	return nil
}
