package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/datim/mechsync/internal/logging"
)

// Collection is a to-many field of an owning type. Name is singular; Member
// is the type of the entities in it.
type Collection struct {
	Name   string
	Member string
}

// Members is the common collection whose name is its member type.
func Members(typ string) Collection { return Collection{Name: typ, Member: typ} }

// ManagedGroups is the userGroup collection of groups a group manages.
var ManagedGroups = Collection{Name: "managedGroup", Member: "userGroup"}

func (c Collection) Field() string { return Pluralize(c.Name) }

func (c Collection) String() string {
	if c.Name == c.Member {
		return c.Name
	}
	return c.Name + "/" + c.Member
}

// inverseFields maps (owner type, field) to the member-side field kept in
// step when membership changes.
var inverseFields = map[string]map[string]string{
	"categoryOptionGroup":    {"categoryOptions": "categoryOptionGroups"},
	"categoryOptionGroupSet": {"categoryOptionGroups": "groupSets"},
	"category":               {"categoryOptions": "categories"},
	"userGroup":              {"managedGroups": "managedByGroups", "managedByGroups": "managedGroups"},
}

// AddToCollection posts one membership and updates cached copies of both
// ends.
func (g *Gateway) AddToCollection(ctx context.Context, typ string, owner Entity, coll Collection, member Entity) error {
	path := fmt.Sprintf("/api/%s/%s/%s/%s", Pluralize(typ), owner.ID(), coll.Field(), member.ID())
	if _, err := g.client.Do(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("add %s %q to %s %q: %w", coll, member.Name(), typ, owner.Name(), err)
	}
	logging.Action(g.logger, "adding to collection", "collection", coll.String(), "member", member.Name(), "type", typ, "owner", owner.Name())
	g.relink(typ, owner.ID(), coll, member, true)
	return nil
}

// AddToCollectionIfNeeded adds each addend not already listed in the
// owner's membership.
func (g *Gateway) AddToCollectionIfNeeded(ctx context.Context, typ string, ownerRef Reference, coll Collection, addends ...Reference) error {
	owner, err := g.Resolve(ctx, typ, ownerRef, false)
	if err != nil {
		return fmt.Errorf("add to collection %s: base %s %s: %w", coll, typ, ownerRef, err)
	}
	members := owner.RefIDs(coll.Field())
	for _, ref := range addends {
		member, err := g.Resolve(ctx, coll.Member, ref, false)
		if err != nil {
			return fmt.Errorf("add to collection %s: addend %s %s: %w", coll, coll.Member, ref, err)
		}
		if members[member.ID()] {
			continue
		}
		if err := g.AddToCollection(ctx, typ, owner, coll, member); err != nil {
			return err
		}
		members[member.ID()] = true
	}
	return nil
}

func (g *Gateway) RemoveFromCollection(ctx context.Context, typ string, ownerRef Reference, coll Collection, addends ...Reference) error {
	owner, err := g.Resolve(ctx, typ, ownerRef, false)
	if err != nil {
		return err
	}
	for _, ref := range addends {
		member, err := g.Resolve(ctx, coll.Member, ref, false)
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/%s/%s/%s/%s", Pluralize(typ), owner.ID(), coll.Field(), member.ID())
		if _, err := g.client.Do(ctx, http.MethodDelete, path, nil); err != nil {
			return fmt.Errorf("remove %s %q from %s %q: %w", coll, member.Name(), typ, owner.Name(), err)
		}
		logging.Action(g.logger, "removing from collection", "collection", coll.String(), "member", member.Name(), "type", typ, "owner", owner.Name())
		g.relink(typ, owner.ID(), coll, member, false)
	}
	return nil
}

// RemoveAllManagedByGroups detaches a user group from every group managing it.
func (g *Gateway) RemoveAllManagedByGroups(ctx context.Context, groupRef Reference) error {
	group, err := g.Resolve(ctx, "userGroup", groupRef, false)
	if err != nil {
		return err
	}
	for _, manager := range group.Refs("managedByGroups") {
		g.logger.Debug("removing managed group", "group", group.Name(), "manager", manager.Name())
		if err := g.RemoveFromCollection(ctx, "userGroup", ByID(manager.ID()), ManagedGroups, ByEntity(group)); err != nil {
			return err
		}
	}
	return nil
}

// relink rewrites cached copies after a membership change. Cached entities
// are replaced, never mutated in place.
func (g *Gateway) relink(typ, ownerID string, coll Collection, member Entity, add bool) {
	if owner, _ := g.cache.Get(typ, KeyID, ownerID); owner != nil {
		owner = owner.Clone()
		owner[coll.Field()] = editRefs(owner, coll.Field(), RefTo(member), add)
		g.cache.Store(typ, owner)
	}
	inverse, ok := inverseFields[typ][coll.Field()]
	if !ok {
		return
	}
	if cached, _ := g.cache.Get(coll.Member, KeyID, member.ID()); cached != nil {
		ownerStub := map[string]any{"id": ownerID}
		if owner, _ := g.cache.Get(typ, KeyID, ownerID); owner != nil {
			ownerStub = RefTo(owner)
		}
		cached = cached.Clone()
		cached[inverse] = editRefs(cached, inverse, ownerStub, add)
		g.cache.Store(coll.Member, cached)
	}
}

func editRefs(e Entity, field string, ref map[string]any, add bool) []any {
	out := []any{}
	present := false
	for _, existing := range e.Refs(field) {
		if existing.ID() == ref["id"] {
			present = true
			if !add {
				continue
			}
		}
		out = append(out, map[string]any(existing))
	}
	if add && !present {
		out = append(out, ref)
	}
	return out
}

type collectionKey struct {
	typ  string
	id   string
	coll Collection
}

// Batcher defers collection additions and applies them in one pass.
type Batcher struct {
	gw         *Gateway
	logger     *slog.Logger
	pending    map[collectionKey]map[string]bool
	order      []collectionKey
	unresolved map[string]bool
}

func NewBatcher(gw *Gateway, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Batcher{
		gw:         gw,
		logger:     logger,
		pending:    map[collectionKey]map[string]bool{},
		unresolved: map[string]bool{},
	}
}

// DeferAdd records members to add to the owner's collection at Flush. The
// owner must resolve. An unresolvable member is logged once and skipped.
func (b *Batcher) DeferAdd(ctx context.Context, typ string, ownerRef Reference, coll Collection, members ...Reference) error {
	owner, err := b.gw.Resolve(ctx, typ, ownerRef, false)
	if err != nil {
		return fmt.Errorf("defer add to %s: base %s %s: %w", coll, typ, ownerRef, err)
	}
	return b.deferMembers(ctx, typ, owner, coll, members)
}

// DeferAddIfExists is DeferAdd for an owner that may legitimately be absent.
func (b *Batcher) DeferAddIfExists(ctx context.Context, typ string, ownerRef Reference, coll Collection, members ...Reference) error {
	owner, err := b.gw.Resolve(ctx, typ, ownerRef, true)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.deferMembers(ctx, typ, owner, coll, members)
}

// DeferManagedGroup records that manager should manage each of managed.
func (b *Batcher) DeferManagedGroup(ctx context.Context, manager Reference, managed ...Reference) error {
	return b.DeferAdd(ctx, "userGroup", manager, ManagedGroups, managed...)
}

func (b *Batcher) deferMembers(ctx context.Context, typ string, owner Entity, coll Collection, members []Reference) error {
	key := collectionKey{typ: typ, id: owner.ID(), coll: coll}
	for _, ref := range members {
		member, err := b.gw.Resolve(ctx, coll.Member, ref, true)
		if IsFatal(err) {
			return err
		}
		if err != nil {
			label := coll.Member + " " + ref.String()
			if !b.unresolved[label] {
				b.unresolved[label] = true
				b.logger.Error("can't find collection addend", "collection", coll.String(), "addend", label, "owner", owner.Name())
			}
			continue
		}
		set := b.pending[key]
		if set == nil {
			set = map[string]bool{}
			b.pending[key] = set
			b.order = append(b.order, key)
		}
		set[member.ID()] = true
	}
	return nil
}

func (b *Batcher) Pending() int {
	n := 0
	for _, set := range b.pending {
		n += len(set)
	}
	return n
}

// Flush re-reads each pending owner's membership once and adds what is
// missing. Pending state is cleared even when a write fails. Only fatal
// errors are returned; others are logged.
func (b *Batcher) Flush(ctx context.Context) error {
	pending, order := b.pending, b.order
	b.Clear()
	logging.Action(b.logger, "flushing pending collection additions", "owners", len(order))

	for _, key := range order {
		current, err := b.currentMembers(ctx, key)
		if IsFatal(err) {
			return err
		}
		if err != nil {
			b.logger.Error("can't read collection membership", "type", key.typ, "id", key.id, "collection", key.coll.String(), "error", err)
			continue
		}
		owner, _ := b.gw.cache.Get(key.typ, KeyID, key.id)
		if owner == nil {
			owner = Entity{"id": key.id}
		}
		ids := make([]string, 0, len(pending[key]))
		for id := range pending[key] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if current[id] {
				continue
			}
			member, _ := b.gw.cache.Get(key.coll.Member, KeyID, id)
			if member == nil {
				member = Entity{"id": id}
			}
			if err := b.gw.AddToCollection(ctx, key.typ, owner, key.coll, member); err != nil {
				if IsFatal(err) {
					return err
				}
				b.logger.Error("collection addition failed", "error", err)
			}
		}
	}
	return nil
}

func (b *Batcher) Clear() {
	b.pending = map[collectionKey]map[string]bool{}
	b.order = nil
	b.unresolved = map[string]bool{}
}

func (b *Batcher) currentMembers(ctx context.Context, key collectionKey) (map[string]bool, error) {
	field := key.coll.Field()
	path := fmt.Sprintf("/api/%s/%s.json?fields=id,name,%s[id]", Pluralize(key.typ), key.id, field)
	msg, err := b.gw.client.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	e, err := decodeEntity(msg)
	if err != nil {
		return nil, err
	}
	return e.RefIDs(field), nil
}
