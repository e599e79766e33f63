package metadata

import "fmt"

type refKind int

const (
	refAny refKind = iota
	refEntity
	refID
	refName
	refCode
)

// Reference names an entity by one of the ways feed data refers to it.
type Reference struct {
	kind   refKind
	value  string
	entity Entity
}

func ByEntity(e Entity) Reference  { return Reference{kind: refEntity, entity: e} }
func ByID(id string) Reference     { return Reference{kind: refID, value: id} }
func ByName(name string) Reference { return Reference{kind: refName, value: name} }
func ByCode(code string) Reference { return Reference{kind: refCode, value: code} }

// Lookup is a string that may be an id, a name or a code. Resolution tries
// them in that order.
func Lookup(s string) Reference { return Reference{kind: refAny, value: s} }

// Refs is shorthand for a list of references.
func Refs(refs ...Reference) []Reference { return refs }

func (r Reference) IsZero() bool {
	return r.entity == nil && r.value == ""
}

func (r Reference) String() string {
	switch r.kind {
	case refEntity:
		if r.entity == nil {
			return "<nil entity>"
		}
		if name := r.entity.Name(); name != "" {
			return fmt.Sprintf("%q", name)
		}
		return r.entity.ID()
	case refID:
		return "id " + r.value
	case refName:
		return fmt.Sprintf("name %q", r.value)
	case refCode:
		return "code " + r.value
	default:
		return fmt.Sprintf("%q", r.value)
	}
}
