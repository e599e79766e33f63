package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/logging"
)

var (
	// ErrNotFound is the absent outcome of a lookup or resolution.
	ErrNotFound = errors.New("entity not found")
	// ErrForbiddenField rejects update payloads carrying server-side fields.
	ErrForbiddenField = errors.New("payload carries a forbidden field")
)

var forbiddenUpdateFields = []string{"href"}

// IsFatal reports errors that must abort the run rather than skip a record.
func IsFatal(err error) bool {
	return errors.Is(err, dhis.ErrUnauthorized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Gateway performs remote reads and writes, keeping the cache current with
// every entity payload it sees.
type Gateway struct {
	client dhis.Client
	cache  *Cache
	logger *slog.Logger
}

func NewGateway(client dhis.Client, cache *Cache, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gateway{client: client, cache: cache, logger: logger}
}

func (g *Gateway) Cache() *Cache { return g.cache }

func (g *Gateway) GetByID(ctx context.Context, typ, id string) (Entity, error) {
	if e, known := g.cache.Get(typ, KeyID, id); known {
		return found(e)
	}
	return g.fetchByID(ctx, typ, id)
}

// fetchByID reads an entity past the cache and stores the result.
func (g *Gateway) fetchByID(ctx context.Context, typ, id string) (Entity, error) {
	msg, err := g.client.Do(ctx, http.MethodGet, "/api/"+Pluralize(typ)+"/"+url.PathEscape(id)+".json?fields=:all", nil)
	if errors.Is(err, dhis.ErrNotFound) {
		g.cache.Put(typ, KeyID, id, nil)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", typ, id, err)
	}
	e, err := decodeEntity(msg)
	if err != nil || e == nil {
		g.cache.Put(typ, KeyID, id, nil)
		return nil, ErrNotFound
	}
	g.cache.Store(typ, e)
	return e, nil
}

func (g *Gateway) GetByCode(ctx context.Context, typ, code string) (Entity, error) {
	if e, known := g.cache.Get(typ, KeyCode, code); known {
		return found(e)
	}
	list, err := g.list(ctx, typ, "/api/"+Pluralize(typ)+".json?filter="+filter("code", "eq", code)+"&fields=:all")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		g.cache.Put(typ, KeyCode, code, nil)
		return nil, ErrNotFound
	}
	g.cache.Store(typ, list[0])
	return list[0], nil
}

// GetByName tries an exact match, then a contains match for names whose
// punctuation defeats the exact filter. Among contains matches an exact
// name wins.
func (g *Gateway) GetByName(ctx context.Context, typ, name string) (Entity, error) {
	if e, known := g.cache.Get(typ, KeyName, name); known {
		return found(e)
	}
	e, err := g.getByOperatorOnName(ctx, typ, "eq", name)
	if err != nil || e != nil {
		return e, err
	}
	e, err = g.getByOperatorOnName(ctx, typ, "like", name)
	if err != nil {
		return nil, err
	}
	if e == nil {
		g.cache.Put(typ, KeyName, name, nil)
		return nil, ErrNotFound
	}
	return e, nil
}

func (g *Gateway) GetByNameLike(ctx context.Context, typ, name string) (Entity, error) {
	e, err := g.getByOperatorOnName(ctx, typ, "like", name)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

func (g *Gateway) getByOperatorOnName(ctx context.Context, typ, operator, name string) (Entity, error) {
	list, err := g.list(ctx, typ, "/api/"+Pluralize(typ)+".json?filter="+filter("name", operator, name)+"&fields=:all")
	if err != nil || len(list) == 0 {
		return nil, err
	}
	pick := list[0]
	for _, e := range list {
		if e.Name() == name {
			pick = e
			break
		}
	}
	g.cache.Store(typ, pick)
	return pick, nil
}

// GetAllInPath fetches a list under /api/<path>, caching every member. The
// list is read from the payload key named after the pluralized type.
func (g *Gateway) GetAllInPath(ctx context.Context, typ, path string) ([]Entity, error) {
	list, err := g.list(ctx, typ, "/api/"+strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		g.cache.Store(typ, e)
	}
	return list, nil
}

// GetAll fetches every entity of a type with paging disabled. Each filter is
// a "field:operator:value" expression.
func (g *Gateway) GetAll(ctx context.Context, typ, fields string, filters ...string) ([]Entity, error) {
	q := "paging=none"
	if fields != "" {
		q += "&fields=" + url.QueryEscape(fields)
	}
	for _, f := range filters {
		q += "&filter=" + url.QueryEscape(f)
	}
	return g.GetAllInPath(ctx, typ, Pluralize(typ)+".json?"+q)
}

func (g *Gateway) GetAllEqual(ctx context.Context, typ, name, fields string) ([]Entity, error) {
	return g.GetAll(ctx, typ, fields, "name:eq:"+name)
}

func (g *Gateway) GetAllLike(ctx context.Context, typ, name, fields string) ([]Entity, error) {
	return g.GetAll(ctx, typ, fields, "name:like:"+name)
}

// Preload warms the cache with every entity of a type.
func (g *Gateway) Preload(ctx context.Context, typ, fields string, filters ...string) (int, error) {
	g.logger.Info("preloading cache", "type", typ, "fields", fields, "filters", filters)
	list, err := g.GetAll(ctx, typ, fields, filters...)
	return len(list), err
}

// Resolve turns a reference into an entity. Absence is logged unless quiet.
func (g *Gateway) Resolve(ctx context.Context, typ string, ref Reference, quiet bool) (Entity, error) {
	e, err := g.resolve(ctx, typ, ref)
	if errors.Is(err, ErrNotFound) && !quiet {
		g.logger.Error("can't find entity", "type", typ, "reference", ref.String())
	}
	return e, err
}

func (g *Gateway) resolve(ctx context.Context, typ string, ref Reference) (Entity, error) {
	switch ref.kind {
	case refEntity:
		if ref.entity == nil {
			return nil, ErrNotFound
		}
		if ref.entity.ID() != "" {
			return ref.entity, nil
		}
		return g.GetByName(ctx, typ, ref.entity.Name())
	case refID:
		return g.GetByID(ctx, typ, ref.value)
	case refName:
		return g.GetByName(ctx, typ, ref.value)
	case refCode:
		return g.GetByCode(ctx, typ, ref.value)
	}

	s := ref.value
	if s == "" {
		return nil, ErrNotFound
	}
	idShaped := LooksLikeID(s)
	if idShaped {
		if e, _ := g.cache.Get(typ, KeyID, s); e != nil {
			return e, nil
		}
	}
	if e, _ := g.cache.Get(typ, KeyName, s); e != nil {
		return e, nil
	}
	if e, _ := g.cache.Get(typ, KeyCode, s); e != nil {
		return e, nil
	}
	if idShaped {
		e, err := g.GetByID(ctx, typ, s)
		if !errors.Is(err, ErrNotFound) {
			return e, err
		}
	}
	e, err := g.GetByName(ctx, typ, s)
	if !errors.Is(err, ErrNotFound) {
		return e, err
	}
	return g.GetByCode(ctx, typ, s)
}

// Add creates e and re-reads it by name, since the create response does not
// carry an authoritative copy.
func (g *Gateway) Add(ctx context.Context, typ string, e Entity) (Entity, error) {
	path := "/api/" + Pluralize(typ)
	if e.String("publicAccess") != "" {
		path += "?sharing=true"
	}
	if _, err := g.client.Do(ctx, http.MethodPost, path, e); err != nil {
		return nil, fmt.Errorf("add %s %q: %w", typ, e.Name(), err)
	}
	logging.Action(g.logger, "added", "type", typ, "name", e.Name(), "code", e.Code())
	list, err := g.list(ctx, typ, "/api/"+Pluralize(typ)+".json?filter="+filter("name", "eq", e.Name())+"&fields=:all")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("add %s %q: created entity not readable: %w", typ, e.Name(), ErrNotFound)
	}
	g.cache.Store(typ, list[0])
	return list[0], nil
}

func (g *Gateway) AddIfNotExists(ctx context.Context, typ string, e Entity) (Entity, error) {
	existing, err := g.GetByName(ctx, typ, e.Name())
	if err == nil && strings.EqualFold(existing.Name(), e.Name()) {
		return existing, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return g.Add(ctx, typ, e)
}

// AddOrUpdate creates desired or, when an entity of the same name exists,
// updates it only if some desired field differs.
func (g *Gateway) AddOrUpdate(ctx context.Context, typ string, desired Entity) (Entity, error) {
	desired = desired.Clone()
	desired["name"] = Truncate(desired.Name(), MaxNameLength)
	existing, err := g.GetByName(ctx, typ, desired.Name())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing == nil || !strings.EqualFold(existing.Name(), desired.Name()) {
		return g.Add(ctx, typ, desired)
	}
	if !differs(existing, desired) {
		return existing, nil
	}
	merged := existing.Clone()
	for field, value := range desired {
		if field == "id" || field == "publicAccess" {
			continue
		}
		merged[field] = value
	}
	g.logger.Debug("updating existing entity", "type", typ, "name", desired.Name())
	if err := g.Update(ctx, typ, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// AddOrUpdatePrivate is AddOrUpdate for an entity with no public access.
func (g *Gateway) AddOrUpdatePrivate(ctx context.Context, typ string, desired Entity) (Entity, error) {
	desired = desired.Clone()
	desired["publicAccess"] = AccessNone
	return g.AddOrUpdate(ctx, typ, desired)
}

func (g *Gateway) AddOrUpdatePrivateWithShortName(ctx context.Context, typ string, desired Entity) (Entity, error) {
	desired = desired.Clone()
	desired["shortName"] = Truncate(desired.Name(), MaxShortNameLength)
	return g.AddOrUpdatePrivate(ctx, typ, desired)
}

// Update writes e back. Server-side fields are stripped first.
func (g *Gateway) Update(ctx context.Context, typ string, e Entity) error {
	payload := e.Clone()
	for _, field := range forbiddenUpdateFields {
		delete(payload, field)
	}
	return g.put(ctx, typ, payload)
}

func (g *Gateway) put(ctx context.Context, typ string, payload Entity) error {
	for _, field := range forbiddenUpdateFields {
		if _, ok := payload[field]; ok {
			return fmt.Errorf("update %s %q: %w: %s", typ, payload.Name(), ErrForbiddenField, field)
		}
	}
	if payload.ID() == "" {
		return fmt.Errorf("update %s %q: missing id", typ, payload.Name())
	}
	if _, err := g.client.Do(ctx, http.MethodPut, "/api/"+Pluralize(typ)+"/"+payload.ID()+"?preheatCache=false", payload); err != nil {
		return fmt.Errorf("update %s %q: %w", typ, payload.Name(), err)
	}
	logging.Action(g.logger, "updated", "type", typ, "name", payload.Name())
	g.cache.Store(typ, payload)
	return nil
}

// Rename changes an entity's name, and its short name when one is given.
func (g *Gateway) Rename(ctx context.Context, typ string, ref Reference, newName, newShortName string) (Entity, error) {
	e, err := g.Resolve(ctx, typ, ref, false)
	if err != nil {
		return nil, err
	}
	logging.Action(g.logger, "renaming", "type", typ, "from", e.Name(), "to", newName)
	g.cache.Invalidate(typ, KeyName, e.Name())
	renamed := e.Clone()
	renamed["name"] = Truncate(newName, MaxNameLength)
	if newShortName != "" {
		renamed["shortName"] = Truncate(newShortName, MaxShortNameLength)
	}
	if err := g.Update(ctx, typ, renamed); err != nil {
		return nil, err
	}
	return renamed, nil
}

// FixShortName resets the short name to the truncated name.
func (g *Gateway) FixShortName(ctx context.Context, typ string, ref Reference) (Entity, error) {
	e, err := g.Resolve(ctx, typ, ref, false)
	if err != nil {
		return nil, err
	}
	fixed := e.Clone()
	fixed["shortName"] = Truncate(e.Name(), MaxShortNameLength)
	g.logger.Debug("fixing short name", "type", typ, "name", e.Name(), "from", e.String("shortName"), "to", fixed.String("shortName"))
	if err := g.Update(ctx, typ, fixed); err != nil {
		return nil, err
	}
	return fixed, nil
}

func (g *Gateway) Delete(ctx context.Context, typ string, ref Reference) error {
	e, err := g.Resolve(ctx, typ, ref, false)
	if err != nil {
		return err
	}
	g.cache.Remove(typ, e)
	if _, err := g.client.Do(ctx, http.MethodDelete, "/api/"+Pluralize(typ)+"/"+e.ID(), nil); err != nil {
		return fmt.Errorf("delete %s %q: %w", typ, e.Name(), err)
	}
	logging.Action(g.logger, "deleted", "type", typ, "name", e.Name())
	g.cache.Put(typ, KeyID, e.ID(), nil)
	g.cache.Put(typ, KeyName, e.Name(), nil)
	return nil
}

// Patch sends a partial update.
func (g *Gateway) Patch(ctx context.Context, typ, id string, fields map[string]any) error {
	if _, err := g.client.Do(ctx, http.MethodPatch, "/api/"+Pluralize(typ)+"/"+id+"?preheatCache=false", fields); err != nil {
		return fmt.Errorf("patch %s %s: %w", typ, id, err)
	}
	return nil
}

// ClearServerCache asks the server to drop its object cache.
func (g *Gateway) ClearServerCache(ctx context.Context) error {
	_, err := g.client.Do(ctx, http.MethodPost, "/api/maintenance/cache", nil)
	return err
}

func (g *Gateway) CategoryOptionComboUpdate(ctx context.Context) error {
	_, err := g.client.Do(ctx, http.MethodPost, "/api/maintenance/categoryOptionComboUpdate", nil)
	return err
}

func (g *Gateway) ResourceTablesUpdate(ctx context.Context) error {
	_, err := g.client.Do(ctx, http.MethodPost, "/api/resourceTables", nil)
	return err
}

func (g *Gateway) list(ctx context.Context, typ, path string) ([]Entity, error) {
	msg, err := g.client.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", typ, err)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(msg, &payload); err != nil {
		return nil, fmt.Errorf("list %s: %w: %v", typ, dhis.ErrMalformedResponse, err)
	}
	raw, ok := payload[Pluralize(typ)]
	if !ok {
		return nil, fmt.Errorf("list %s: %w: no %q array in response", typ, dhis.ErrMalformedResponse, Pluralize(typ))
	}
	var list []Entity
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("list %s: %w: %v", typ, dhis.ErrMalformedResponse, err)
	}
	return list, nil
}

func decodeEntity(msg json.RawMessage) (Entity, error) {
	if len(msg) == 0 {
		return nil, nil
	}
	var e Entity
	if err := json.Unmarshal(msg, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", dhis.ErrMalformedResponse, err)
	}
	return e, nil
}

func found(e Entity) (Entity, error) {
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

func filter(field, operator, value string) string {
	return url.QueryEscape(field + ":" + operator + ":" + value)
}

// differs compares the desired fields against existing. Reference lists
// compare as id sets.
func differs(existing, desired Entity) bool {
	for field, want := range desired {
		if field == "id" || field == "publicAccess" {
			continue
		}
		if list, ok := want.([]any); ok {
			wantIDs := Entity{field: list}.RefIDs(field)
			haveIDs := existing.RefIDs(field)
			if len(wantIDs) != len(haveIDs) {
				return true
			}
			for id := range wantIDs {
				if !haveIDs[id] {
					return true
				}
			}
			continue
		}
		if existing.String(field) != desired.String(field) {
			return true
		}
	}
	return false
}
