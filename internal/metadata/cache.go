package metadata

import (
	"sort"
	"sync"
)

// Key fields an entity is indexed under.
const (
	KeyID       = "id"
	KeyCode     = "code"
	KeyName     = "name"
	KeyUUID     = "uuid"
	KeyEntityID = "entityID"
)

var keyFields = []string{KeyID, KeyCode, KeyName, KeyUUID, KeyEntityID}

// Cache indexes entities by type and key field. A stored nil means the key
// was looked up and confirmed absent.
type Cache struct {
	mu    sync.RWMutex
	byKey map[string]map[string]map[string]Entity
}

func NewCache() *Cache {
	return &Cache{byKey: map[string]map[string]map[string]Entity{}}
}

// Get reports the cached entity and whether the key is known at all. A known
// key with a nil entity is a confirmed miss.
func (c *Cache) Get(typ, field, key string) (Entity, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byKey[typ][field][key]
	return e, ok
}

func (c *Cache) Put(typ, field, key string, e Entity) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(typ, field, key, e)
}

func (c *Cache) Invalidate(typ, field, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey[typ][field], key)
}

// Store indexes e under every key it carries. Keys still pointing at an
// older copy of the same id are purged first so a rename cannot leave the
// old name resolvable.
func (c *Cache) Store(typ string, e Entity) {
	if e == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id := e.ID(); id != "" {
		if prior := c.byKey[typ][KeyID][id]; prior != nil {
			c.purge(typ, prior)
		}
	}
	for field, key := range entityKeys(e) {
		c.put(typ, field, key, e)
	}
}

// Remove drops every key of e.
func (c *Cache) Remove(typ string, e Entity) {
	if e == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge(typ, e)
	if id := e.ID(); id != "" {
		if prior := c.byKey[typ][KeyID][id]; prior != nil {
			c.purge(typ, prior)
		}
	}
}

// Values returns the distinct non-nil entities of a type indexed under
// field, ordered by key.
func (c *Cache) Values(typ, field string) []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.byKey[typ][field]))
	for key, e := range c.byKey[typ][field] {
		if e != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]Entity, 0, len(keys))
	for _, key := range keys {
		out = append(out, c.byKey[typ][field][key])
	}
	return out
}

// Keys returns the non-nil keys of a type under field.
func (c *Cache) Keys(typ, field string) map[string]Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]Entity{}
	for key, e := range c.byKey[typ][field] {
		if e != nil {
			out[key] = e
		}
	}
	return out
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = map[string]map[string]map[string]Entity{}
}

func (c *Cache) put(typ, field, key string, e Entity) {
	fields := c.byKey[typ]
	if fields == nil {
		fields = map[string]map[string]Entity{}
		c.byKey[typ] = fields
	}
	keys := fields[field]
	if keys == nil {
		keys = map[string]Entity{}
		fields[field] = keys
	}
	keys[key] = e
}

func (c *Cache) purge(typ string, e Entity) {
	id := e.ID()
	for field, key := range entityKeys(e) {
		current, ok := c.byKey[typ][field][key]
		if !ok {
			continue
		}
		if current == nil || id == "" || current.ID() == id {
			delete(c.byKey[typ][field], key)
		}
	}
}

func entityKeys(e Entity) map[string]string {
	keys := map[string]string{}
	for _, field := range keyFields[:4] {
		if v := e.String(field); v != "" {
			keys[field] = v
		}
	}
	for _, raw := range e.Refs("attributeValues") {
		attr := raw.Ref("attribute")
		if attr != nil && attr.Name() == KeyEntityID {
			if v := raw.String("value"); v != "" {
				keys[KeyEntityID] = v
			}
		}
	}
	return keys
}
