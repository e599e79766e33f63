package metadata

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"
)

const (
	MaxNameLength      = 229
	MaxShortNameLength = 50

	AccessNone      = "--------"
	AccessRead      = "r-------"
	AccessReadWrite = "rw------"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]{10}$`)

// LooksLikeID reports whether s has the shape of a server-assigned id.
func LooksLikeID(s string) bool {
	return idPattern.MatchString(s)
}

// Entity is a decoded remote record. Reference lists are slices of maps
// holding at least an "id".
type Entity map[string]any

func (e Entity) ID() string   { return e.String("id") }
func (e Entity) Name() string { return e.String("name") }
func (e Entity) Code() string { return e.String("code") }

func (e Entity) String(field string) string {
	switch v := e[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (e Entity) Level() int {
	n, _ := strconv.Atoi(e.String("level"))
	return n
}

// Refs returns the entries of a reference list field.
func (e Entity) Refs(field string) []Entity {
	list, _ := e[field].([]any)
	out := make([]Entity, 0, len(list))
	for _, raw := range list {
		switch ref := raw.(type) {
		case map[string]any:
			out = append(out, Entity(ref))
		case Entity:
			out = append(out, ref)
		}
	}
	return out
}

// Ref returns a single reference field such as "parent".
func (e Entity) Ref(field string) Entity {
	switch ref := e[field].(type) {
	case map[string]any:
		return Entity(ref)
	case Entity:
		return ref
	}
	return nil
}

// RefIDs returns the set of ids in a reference list field.
func (e Entity) RefIDs(field string) map[string]bool {
	ids := map[string]bool{}
	for _, ref := range e.Refs(field) {
		if id := ref.ID(); id != "" {
			ids[id] = true
		}
	}
	return ids
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("metadata: clone entity: %v", err))
	}
	out := Entity{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("metadata: clone entity: %v", err))
	}
	return out
}

// RefTo builds the {id, name} stub used when linking to e.
func RefTo(e Entity) map[string]any {
	return map[string]any{"id": e.ID(), "name": e.Name()}
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Pluralize gives the API collection name of a type.
func Pluralize(typ string) string {
	if n := len(typ); n > 0 && typ[n-1] == 'y' {
		return typ[:n-1] + "ies"
	}
	return typ + "s"
}
