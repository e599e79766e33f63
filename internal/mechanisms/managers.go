package mechanisms

import (
	"context"
	"errors"
	"regexp"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/metadata"
)

var agencyAdminPattern = regexp.MustCompile(`^(Global Agency .* user administrators|OU .* Agency .* user administrators)$`)

// fixAgencyManagement gives a partner's user groups in a country to the
// agency admins when exactly one agency funds the partner there, and takes
// them away from every agency admin group otherwise.
func (r *run) fixAgencyManagement(ctx context.Context) error {
	managers := r.managersByGroup()
	for _, country := range sortedKeys(r.analysis.CountryPartnerAgencies) {
		if r.countries[country] == nil {
			continue
		}
		for _, code := range sortedKeys(r.analysis.CountryPartnerAgencies[country]) {
			name := r.analysis.PartnerNames[code]
			agencies := r.analysis.PartnerAgencies(country, code)
			groups := []string{
				countryPartnerUsers(country, code, name),
				countryPartnerAdmins(country, code, name),
				countryPartnerAllMech(country, code, name),
			}
			for _, groupName := range groups {
				group, err := r.gw.GetByName(ctx, "userGroup", groupName)
				if errors.Is(err, metadata.ErrNotFound) {
					r.logger.Error("partner user group not found", "group", groupName, "country", country, "partnerCode", code)
					continue
				}
				if err := r.tolerate(err, "reading partner user group", "group", groupName); err != nil {
					return err
				}
				if err != nil {
					continue
				}
				if err := r.fixManagers(ctx, group, country, agencies, managers[group.ID()]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *run) fixManagers(ctx context.Context, group metadata.Entity, country string, agencies []string, current map[string]string) error {
	keep := map[string]bool{}
	if len(agencies) == 1 {
		agency := agencies[0]
		for _, manager := range []string{countryAgencyAdmins(country, agency), globalAgencyAdmins(agency)} {
			keep[manager] = true
			ref := metadata.ByName(manager)
			err := r.session.Collections.DeferManagedGroup(ctx, ref, metadata.ByEntity(group))
			if err := r.tolerate(err, "deferring agency management", "manager", manager, "group", group.Name()); err != nil {
				return err
			}
			// Empty public access leaves the group's own setting alone.
			err = r.session.Sharing.ShareCached(ctx, "userGroup", metadata.Refs(metadata.ByEntity(group)), "", metadata.Read(ref))
			if err := r.tolerate(err, "sharing partner group with agency", "manager", manager, "group", group.Name()); err != nil {
				return err
			}
		}
	}
	for _, id := range sortedKeys(current) {
		manager := current[id]
		if keep[manager] || !agencyAdminPattern.MatchString(manager) {
			continue
		}
		logging.Action(r.logger, "removing agency management", "manager", manager, "group", group.Name())
		err := r.gw.RemoveFromCollection(ctx, "userGroup", metadata.ByID(id), metadata.ManagedGroups, metadata.ByEntity(group))
		if err := r.tolerate(err, "removing agency management", "manager", manager, "group", group.Name()); err != nil {
			return err
		}
		err = r.session.Sharing.UnshareIfExists(ctx, "userGroup", metadata.Refs(metadata.ByEntity(group)), metadata.ByID(id))
		if err := r.tolerate(err, "unsharing agency management", "manager", manager, "group", group.Name()); err != nil {
			return err
		}
	}
	return nil
}

// managersByGroup maps each cached user group id to its managers, by id and
// name, from both sides of the managed group relation.
func (r *run) managersByGroup() map[string]map[string]string {
	out := map[string]map[string]string{}
	add := func(groupID, managerID, managerName string) {
		if groupID == "" || managerID == "" {
			return
		}
		if out[groupID] == nil {
			out[groupID] = map[string]string{}
		}
		if managerName != "" || out[groupID][managerID] == "" {
			out[groupID][managerID] = managerName
		}
	}
	for _, g := range r.session.Cache.Values("userGroup", metadata.KeyID) {
		for _, managed := range g.Refs("managedGroups") {
			add(managed.ID(), g.ID(), g.Name())
		}
		for _, manager := range g.Refs("managedByGroups") {
			add(g.ID(), manager.ID(), manager.Name())
		}
	}
	return out
}
