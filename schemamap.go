package rowbind

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// FieldMapItem is a leaf of a SchemaMap.
type FieldMapItem struct {
	Name         string // last path segment, as declared
	Path         string // full dotted name, as declared
	Ordinal      int
	Type         reflect.Type // declared type; pointer types are folded to their element
	ProviderType reflect.Type
	Nullable     bool
	Indirect     bool // declared as *Type
}

// SchemaMap indexes the fields of a Schema by case-insensitive name, with a
// nested map for every dotted prefix.
type SchemaMap struct {
	leaves    map[string]*FieldMapItem
	nested    map[string]*SchemaMap
	byOrdinal []*FieldMapItem // root only
}

// NewSchemaMap builds the map for s. Two fields with the same full path are
// rejected with ErrDuplicateField.
func NewSchemaMap(s Schema) (*SchemaMap, error) {
	n := s.NumField()
	root := newSchemaMap()
	root.byOrdinal = make([]*FieldMapItem, n)

	for i := 0; i < n; i++ {
		f := s.Field(i)
		item := &FieldMapItem{
			Path:         f.Name,
			Ordinal:      i,
			Type:         f.Type,
			ProviderType: f.ProviderType,
			Nullable:     f.Nullable,
		}
		if item.Type != nil && item.Type.Kind() == reflect.Pointer {
			item.Type = item.Type.Elem()
			item.Indirect = true
			item.Nullable = true
		}

		segs := strings.Split(f.Name, ".")
		m := root
		for _, seg := range segs[:len(segs)-1] {
			m = m.child(seg)
		}
		item.Name = segs[len(segs)-1]
		key := foldName(item.Name)
		if _, dup := m.leaves[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		m.leaves[key] = item
		root.byOrdinal[i] = item
	}
	return root, nil
}

func newSchemaMap() *SchemaMap {
	return &SchemaMap{
		leaves: make(map[string]*FieldMapItem),
		nested: make(map[string]*SchemaMap),
	}
}

// child returns the nested map for seg, creating it if needed.
func (m *SchemaMap) child(seg string) *SchemaMap {
	key := foldName(seg)
	c, ok := m.nested[key]
	if !ok {
		c = newSchemaMap()
		m.nested[key] = c
	}
	return c
}

// Leaf returns the leaf named name.
func (m *SchemaMap) Leaf(name string) (*FieldMapItem, bool) {
	it, ok := m.leaves[foldName(name)]
	return it, ok
}

// Nested returns the sub-map for the dotted prefix name.
func (m *SchemaMap) Nested(name string) (*SchemaMap, bool) {
	c, ok := m.nested[foldName(name)]
	return c, ok
}

// Len returns the number of direct leaves.
func (m *SchemaMap) Len() int { return len(m.leaves) }

// NestedLen returns the number of direct sub-maps.
func (m *SchemaMap) NestedLen() int { return len(m.nested) }

// Leaves returns the direct leaves in ordinal order.
func (m *SchemaMap) Leaves() []*FieldMapItem {
	out := make([]*FieldMapItem, 0, len(m.leaves))
	for _, it := range m.leaves {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// At returns the field with the given ordinal. Only valid on the root map.
func (m *SchemaMap) At(ordinal int) (*FieldMapItem, bool) {
	if ordinal < 0 || ordinal >= len(m.byOrdinal) {
		return nil, false
	}
	return m.byOrdinal[ordinal], true
}

func foldName(s string) string {
	return strings.ToLower(s)
}
