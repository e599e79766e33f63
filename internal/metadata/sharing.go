package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"

	"github.com/datim/mechsync/internal/logging"
)

// Grant is one desired ACL entry. An empty Access means read-only.
type Grant struct {
	Group  Reference
	Access string
}

func Read(group Reference) Grant      { return Grant{Group: group, Access: AccessRead} }
func ReadWrite(group Reference) Grant { return Grant{Group: group, Access: AccessReadWrite} }

func (g Grant) access() string {
	if g.Access == "" {
		return AccessRead
	}
	return g.Access
}

type sharingMeta struct {
	AllowPublicAccess   bool `json:"allowPublicAccess"`
	AllowExternalAccess bool `json:"allowExternalAccess"`
}

type groupAccess struct {
	ID          string `json:"id"`
	Access      string `json:"access"`
	DisplayName string `json:"displayName,omitempty"`
}

type sharingObject struct {
	ID                string        `json:"id"`
	Name              string        `json:"name,omitempty"`
	PublicAccess      string        `json:"publicAccess,omitempty"`
	ExternalAccess    bool          `json:"externalAccess"`
	UserGroupAccesses []groupAccess `json:"userGroupAccesses"`
}

type sharing struct {
	Meta   sharingMeta   `json:"meta"`
	Object sharingObject `json:"object"`
}

type shareKey struct {
	typ          string
	id           string
	publicAccess string
}

// ACL reconciles entity sharing, immediately or through a pending batch.
type ACL struct {
	gw      *Gateway
	logger  *slog.Logger
	pending map[shareKey]map[string]string
	replace map[shareKey]bool
	order   []shareKey
}

func NewACL(gw *Gateway, logger *slog.Logger) *ACL {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &ACL{gw: gw, logger: logger}
	a.Clear()
	return a
}

// Share merges grants into each entity's ACL.
func (a *ACL) Share(ctx context.Context, typ string, from []Reference, publicAccess string, to ...Grant) error {
	for _, ref := range from {
		if err := a.shareOne(ctx, typ, ref, publicAccess, to, false); err != nil {
			return err
		}
	}
	return nil
}

// ShareReplace makes each entity's ACL exactly the grants given.
func (a *ACL) ShareReplace(ctx context.Context, typ string, from []Reference, publicAccess string, to ...Grant) error {
	for _, ref := range from {
		if err := a.shareOne(ctx, typ, ref, publicAccess, to, true); err != nil {
			return err
		}
	}
	return nil
}

func (a *ACL) ShareCached(ctx context.Context, typ string, from []Reference, publicAccess string, to ...Grant) error {
	return a.cache(ctx, typ, from, publicAccess, to, false, false)
}

func (a *ACL) ShareCachedReplace(ctx context.Context, typ string, from []Reference, publicAccess string, to ...Grant) error {
	return a.cache(ctx, typ, from, publicAccess, to, true, false)
}

// ShareCachedQuietly tolerates a missing entity or group without logging.
func (a *ACL) ShareCachedQuietly(ctx context.Context, typ string, from []Reference, publicAccess string, to ...Grant) error {
	return a.cache(ctx, typ, from, publicAccess, to, false, true)
}

func (a *ACL) cache(ctx context.Context, typ string, from []Reference, publicAccess string, to []Grant, replace, quiet bool) error {
	for _, ref := range from {
		e, err := a.gw.Resolve(ctx, typ, ref, quiet)
		if err != nil {
			if quiet && errors.Is(err, ErrNotFound) {
				continue
			}
			return fmt.Errorf("share %s %s: %w", typ, ref, err)
		}
		key := shareKey{typ: typ, id: e.ID(), publicAccess: publicAccess}
		grants := a.pending[key]
		if grants == nil {
			grants = map[string]string{}
			a.pending[key] = grants
			a.order = append(a.order, key)
		}
		if replace {
			a.replace[key] = true
		}
		for _, grant := range to {
			group, err := a.gw.Resolve(ctx, "userGroup", grant.Group, quiet)
			if err != nil {
				if quiet && errors.Is(err, ErrNotFound) {
					continue
				}
				return fmt.Errorf("share %s %q with %s: %w", typ, e.Name(), grant.Group, err)
			}
			grants[group.ID()] = grant.access()
			a.logger.Debug("pending share", "type", typ, "name", e.Name(), "group", group.Name(), "access", grant.access())
		}
	}
	return nil
}

// FlushShares applies one reconciliation per pending key, in the order the
// keys were first seen, then clears the batch. Only fatal errors are
// returned.
func (a *ACL) FlushShares(ctx context.Context) error {
	pending, replace, order := a.pending, a.replace, a.order
	a.Clear()
	logging.Action(a.logger, "flushing pending shares", "entities", len(order))

	for _, key := range order {
		grants := make([]Grant, 0, len(pending[key]))
		for _, id := range sortedKeys(pending[key]) {
			grants = append(grants, Grant{Group: ByID(id), Access: pending[key][id]})
		}
		err := a.shareOne(ctx, key.typ, ByID(key.id), key.publicAccess, grants, replace[key])
		if IsFatal(err) {
			return err
		}
		if err != nil {
			a.logger.Error("share failed", "type", key.typ, "id", key.id, "error", err)
		}
	}
	return nil
}

func (a *ACL) Pending() int { return len(a.order) }

func (a *ACL) Clear() {
	a.pending = map[shareKey]map[string]string{}
	a.replace = map[shareKey]bool{}
	a.order = nil
}

func (a *ACL) shareOne(ctx context.Context, typ string, ref Reference, publicAccess string, to []Grant, replace bool) error {
	from, err := a.gw.Resolve(ctx, typ, ref, false)
	if err != nil {
		return fmt.Errorf("share %s %s: %w", typ, ref, err)
	}
	current, err := a.currentSharing(ctx, typ, from)
	if err != nil {
		return err
	}

	acl := map[string]string{}
	names := map[string]string{}
	var order []string
	for _, entry := range current.Object.UserGroupAccesses {
		if _, seen := acl[entry.ID]; !seen {
			order = append(order, entry.ID)
		}
		acl[entry.ID] = entry.Access
		names[entry.ID] = entry.DisplayName
	}

	changed := false
	wanted := map[string]bool{}
	for _, grant := range to {
		group, err := a.gw.Resolve(ctx, "userGroup", grant.Group, false)
		if err != nil {
			return fmt.Errorf("share %s %q with %s: %w", typ, from.Name(), grant.Group, err)
		}
		id := group.ID()
		wanted[id] = true
		if have, ok := acl[id]; !ok || have != grant.access() {
			if !ok {
				order = append(order, id)
			}
			acl[id] = grant.access()
			names[id] = group.Name()
			changed = true
		}
	}
	if replace {
		for id := range acl {
			if !wanted[id] {
				delete(acl, id)
				changed = true
			}
		}
	}
	next := current.Object.PublicAccess
	if publicAccess != "" && next != publicAccess {
		next = publicAccess
		changed = true
	}
	if !changed {
		return nil
	}

	update := sharing{
		Meta: sharingMeta{AllowPublicAccess: true},
		Object: sharingObject{
			ID:                from.ID(),
			Name:              from.Name(),
			PublicAccess:      next,
			UserGroupAccesses: []groupAccess{},
		},
	}
	for _, id := range order {
		if access, ok := acl[id]; ok {
			update.Object.UserGroupAccesses = append(update.Object.UserGroupAccesses, groupAccess{ID: id, Access: access, DisplayName: names[id]})
		}
	}
	if err := a.post(ctx, typ, from, update); err != nil {
		return err
	}
	logging.Action(a.logger, "sharing changed", "type", typ, "name", from.Name(), "publicAccess", next, "groups", len(update.Object.UserGroupAccesses), "replace", replace)
	return a.refresh(ctx, typ, from.ID())
}

// UnshareIfExists removes groups from each entity's ACL. Missing entities
// or groups are not errors.
func (a *ACL) UnshareIfExists(ctx context.Context, typ string, from []Reference, groups ...Reference) error {
	for _, ref := range from {
		e, err := a.gw.Resolve(ctx, typ, ref, true)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		current, err := a.currentSharing(ctx, typ, e)
		if err != nil {
			return err
		}
		drop := map[string]bool{}
		for _, groupRef := range groups {
			group, err := a.gw.Resolve(ctx, "userGroup", groupRef, true)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			drop[group.ID()] = true
		}
		kept := []groupAccess{}
		for _, entry := range current.Object.UserGroupAccesses {
			if !drop[entry.ID] {
				kept = append(kept, entry)
			}
		}
		if len(kept) == len(current.Object.UserGroupAccesses) {
			continue
		}
		current.Object.UserGroupAccesses = kept
		if err := a.post(ctx, typ, e, current); err != nil {
			return err
		}
		logging.Action(a.logger, "unshared", "type", typ, "name", e.Name(), "removed", len(drop))
		if err := a.refresh(ctx, typ, e.ID()); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllSharing empties an entity's group ACL.
func (a *ACL) RemoveAllSharing(ctx context.Context, typ string, ref Reference) error {
	e, err := a.gw.Resolve(ctx, typ, ref, false)
	if err != nil {
		return err
	}
	if len(e.Refs("userGroupAccesses")) == 0 {
		return nil
	}
	update := sharing{
		Meta: sharingMeta{AllowPublicAccess: true},
		Object: sharingObject{
			ID:                e.ID(),
			Name:              e.Name(),
			PublicAccess:      e.String("publicAccess"),
			UserGroupAccesses: []groupAccess{},
		},
	}
	if err := a.post(ctx, typ, e, update); err != nil {
		return err
	}
	logging.Action(a.logger, "removed all sharing", "type", typ, "name", e.Name())
	return a.refresh(ctx, typ, e.ID())
}

// currentSharing reads the ACL from the entity when it carries one, and
// from the sharing endpoint otherwise.
func (a *ACL) currentSharing(ctx context.Context, typ string, e Entity) (sharing, error) {
	if _, ok := e["userGroupAccesses"]; ok {
		s := sharing{
			Meta: sharingMeta{AllowPublicAccess: true},
			Object: sharingObject{
				ID:                e.ID(),
				Name:              e.Name(),
				PublicAccess:      e.String("publicAccess"),
				UserGroupAccesses: []groupAccess{},
			},
		}
		for _, entry := range e.Refs("userGroupAccesses") {
			id := entry.ID()
			if id == "" {
				id = entry.String("userGroupUid")
			}
			s.Object.UserGroupAccesses = append(s.Object.UserGroupAccesses, groupAccess{
				ID:          id,
				Access:      entry.String("access"),
				DisplayName: entry.String("displayName"),
			})
		}
		return s, nil
	}
	var s sharing
	msg, err := a.gw.client.Do(ctx, http.MethodGet, sharingPath(typ, e.ID()), nil)
	if err != nil {
		return s, fmt.Errorf("get sharing for %s %q: %w", typ, e.Name(), err)
	}
	if err := json.Unmarshal(msg, &s); err != nil {
		return s, fmt.Errorf("decode sharing for %s %q: %w", typ, e.Name(), err)
	}
	if s.Object.UserGroupAccesses == nil {
		s.Object.UserGroupAccesses = []groupAccess{}
	}
	return s, nil
}

func (a *ACL) post(ctx context.Context, typ string, e Entity, s sharing) error {
	if _, err := a.gw.client.Do(ctx, http.MethodPost, sharingPath(typ, e.ID()), s); err != nil {
		return fmt.Errorf("set sharing for %s %q: %w", typ, e.Name(), err)
	}
	return nil
}

// refresh re-reads a shared entity so the cache carries its new ACL.
func (a *ACL) refresh(ctx context.Context, typ, id string) error {
	_, err := a.gw.fetchByID(ctx, typ, id)
	return err
}

func sharingPath(typ, id string) string {
	return "/api/sharing?type=" + url.QueryEscape(typ) + "&id=" + url.QueryEscape(id)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
