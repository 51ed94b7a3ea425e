package rowbind

import (
	"database/sql/driver"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// FieldMapping declares which values of a T an Accessor writes.
type FieldMapping struct {
	kind   mappingKind
	member string
	name   string
	fn     reflect.Value
}

type mappingKind uint8

const (
	mkAll mappingKind = iota
	mkMember
	mkFunc
)

// MapAll maps every exported member. Nested structs are written as dotted
// columns ("Address.City").
func MapAll() FieldMapping {
	return FieldMapping{kind: mkAll}
}

// MapMember maps one member, by tag or field name.
func MapMember(member string) FieldMapping {
	return FieldMapping{kind: mkMember, member: member, name: member}
}

// As renames the column written for a member mapping.
func (f FieldMapping) As(name string) FieldMapping {
	f.name = name
	return f
}

// MapFunc maps the result of fn to a column called name.
func MapFunc[T, V any](name string, fn func(T) V) FieldMapping {
	return FieldMapping{kind: mkFunc, name: name, fn: reflect.ValueOf(fn)}
}

// coercion rewrites values of one type before they are written.
type coercion struct {
	out reflect.Type
	fn  func(reflect.Value) any
}

// RegisterCoercion makes accessors compiled by m write fn(v) for every
// value of type T, with V as the column type.
func RegisterCoercion[T, V any](m *Mapper, fn func(T) V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coercions[reflect.TypeOf((*T)(nil)).Elem()] = coercion{
		out: reflect.TypeOf((*V)(nil)).Elem(),
		fn:  func(v reflect.Value) any { return fn(v.Interface().(T)) },
	}
}

func registerDefaultCoercions(m *Mapper) {
	RegisterCoercion(m, func(id uuid.UUID) string { return id.String() })
}

func (m *Mapper) coercionFor(t reflect.Type) (coercion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coercions[t]
	return c, ok
}

var valuerIface = reflect.TypeOf((*driver.Valuer)(nil)).Elem()

// getter extracts a value from the root; false means a nil pointer was met
// on the way and the slot is NULL.
type getter func(root reflect.Value) (reflect.Value, bool)

// emitter turns a value into what is written to its slot.
type emitter func(v reflect.Value) (any, error)

type accField struct {
	get  getter
	emit emitter
}

// Accessor writes values of T into positional slots. It also describes the
// slots as a Schema, so slices of T can be exposed as row sources.
// An Accessor is immutable and safe for concurrent use.
type Accessor[T any] struct {
	fields []Field
	slots  []accField
}

// CompileAccessor compiles an accessor for T. With no mappings, MapAll is
// used.
func CompileAccessor[T any](m *Mapper, mappings ...FieldMapping) (*Accessor[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if len(mappings) == 0 {
		mappings = []FieldMapping{MapAll()}
	}

	ac := &accessorCompiler{
		m:      m,
		root:   t,
		seen:   make(map[string]bool),
		inside: make(map[reflect.Type]bool),
	}
	for _, fm := range mappings {
		var err error
		switch fm.kind {
		case mkAll:
			err = ac.all(derefAll(t), "", rootGetter, t.Kind() == reflect.Pointer)
		case mkMember:
			err = ac.member(fm)
		case mkFunc:
			err = ac.fn(fm)
		}
		if err != nil {
			return nil, err
		}
	}
	return &Accessor[T]{fields: ac.fields, slots: ac.slots}, nil
}

// NumField returns the number of slots.
func (a *Accessor[T]) NumField() int { return len(a.fields) }

// Field describes slot i.
func (a *Accessor[T]) Field(i int) Field { return a.fields[i] }

// Write stores the mapped values of v into slots, which must hold at least
// NumField elements. NULL is written as nil.
func (a *Accessor[T]) Write(v T, slots []any) error {
	if len(slots) < len(a.slots) {
		return fmt.Errorf("rowbind: %d slots for %d fields", len(slots), len(a.slots))
	}
	root := reflect.ValueOf(&v).Elem()
	for i, f := range a.slots {
		fv, ok := f.get(root)
		if !ok {
			slots[i] = nil
			continue
		}
		out, err := f.emit(fv)
		if err != nil {
			return fmt.Errorf("rowbind: field %q: %w", a.fields[i].Name, err)
		}
		slots[i] = out
	}
	return nil
}

// Values returns the mapped values of v in a new slice.
func (a *Accessor[T]) Values(v T) ([]any, error) {
	out := make([]any, len(a.slots))
	if err := a.Write(v, out); err != nil {
		return nil, err
	}
	return out, nil
}

type accessorCompiler struct {
	m      *Mapper
	root   reflect.Type
	fields []Field
	slots  []accField
	seen   map[string]bool
	inside map[reflect.Type]bool
}

func rootGetter(root reflect.Value) (reflect.Value, bool) { return root, true }

// all maps every member of struct type t reachable through get.
func (ac *accessorCompiler) all(t reflect.Type, prefix string, get getter, nullable bool) error {
	if t.Kind() != reflect.Struct || isLeafType(t) {
		return fmt.Errorf("%w: MapAll needs a struct, got %s", ErrInvalidMapping, t)
	}
	if ac.inside[t] {
		return fmt.Errorf("%w: %s contains itself", ErrInvalidMapping, t)
	}
	ac.inside[t] = true
	defer delete(ac.inside, t)

	for _, mb := range membersOf(t, ac.m.config.TagName).members {
		if err := ac.add(prefix+mb.name, mb.typ, fieldGetter(get, mb.index), nullable); err != nil {
			return err
		}
	}
	return nil
}

func (ac *accessorCompiler) member(fm FieldMapping) error {
	t := derefAll(ac.root)
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("%w: MapMember on non-struct %s", ErrInvalidMapping, ac.root)
	}
	for _, mb := range membersOf(t, ac.m.config.TagName).members {
		if foldName(mb.name) == foldName(fm.member) {
			return ac.add(fm.name, mb.typ, fieldGetter(rootGetter, mb.index), false)
		}
	}
	return fmt.Errorf("%w: %s has no member %q", ErrInvalidMapping, ac.root, fm.member)
}

func (ac *accessorCompiler) fn(fm FieldMapping) error {
	ft := fm.fn.Type()
	if ft.In(0) != ac.root {
		return fmt.Errorf("%w: %q maps %s, accessor is for %s", ErrInvalidMapping, fm.name, ft.In(0), ac.root)
	}
	fn := fm.fn
	get := func(root reflect.Value) (reflect.Value, bool) {
		return fn.Call([]reflect.Value{root})[0], true
	}
	return ac.add(fm.name, ft.Out(0), get, false)
}

// add maps one value of static type t. Composite structs expand into
// dotted columns.
func (ac *accessorCompiler) add(name string, t reflect.Type, get getter, nullable bool) error {
	if _, coerced := ac.m.coercionFor(t); !coerced && !t.Implements(valuerIface) {
		base := derefAll(t)
		if base.Kind() == reflect.Struct && !isLeafType(base) {
			return ac.all(base, name+".", get, nullable || base != t)
		}
	}

	emit, out, null := ac.emitter(t)
	key := foldName(name)
	if ac.seen[key] {
		return fmt.Errorf("%w: duplicate column %q", ErrInvalidMapping, name)
	}
	ac.seen[key] = true
	ac.fields = append(ac.fields, Field{Name: name, Type: out, Nullable: nullable || null})
	ac.slots = append(ac.slots, accField{get: get, emit: emit})
	return nil
}

// emitter picks how values of t are written: a registered coercion, nil
// for nil pointers and interfaces, driver.Valuer, identifier wrappers as
// their basic type, or the value itself.
func (ac *accessorCompiler) emitter(t reflect.Type) (emitter, reflect.Type, bool) {
	if c, ok := ac.m.coercionFor(t); ok {
		return func(v reflect.Value) (any, error) { return c.fn(v), nil }, c.out, false
	}

	if t.Kind() == reflect.Pointer {
		inner, out, _ := ac.emitter(t.Elem())
		return func(v reflect.Value) (any, error) {
			if v.IsNil() {
				return nil, nil
			}
			return inner(v.Elem())
		}, out, true
	}

	if t.Kind() == reflect.Interface {
		var out reflect.Type
		if !t.Implements(valuerIface) {
			out = t
		}
		return func(v reflect.Value) (any, error) {
			if v.IsNil() {
				return nil, nil
			}
			if vr, ok := v.Interface().(driver.Valuer); ok {
				return vr.Value()
			}
			return v.Interface(), nil
		}, out, true
	}

	if t.Implements(valuerIface) {
		return func(v reflect.Value) (any, error) {
			return v.Interface().(driver.Valuer).Value()
		}, nil, true
	}

	if basic := basicType(t); basic != nil && basic != t {
		return func(v reflect.Value) (any, error) {
			return v.Convert(basic).Interface(), nil
		}, basic, false
	}

	return func(v reflect.Value) (any, error) { return v.Interface(), nil }, t, false
}

// fieldGetter walks index from the value returned by parent, following
// pointers; a nil pointer makes the value NULL.
func fieldGetter(parent getter, index []int) getter {
	return func(root reflect.Value) (reflect.Value, bool) {
		v, ok := parent(root)
		if !ok {
			return v, false
		}
		for _, i := range index {
			for v.Kind() == reflect.Pointer {
				if v.IsNil() {
					return reflect.Value{}, false
				}
				v = v.Elem()
			}
			v = v.Field(i)
		}
		return v, true
	}
}

var basicTypes = map[reflect.Kind]reflect.Type{
	reflect.Bool:    reflect.TypeOf(false),
	reflect.Int:     reflect.TypeOf(int(0)),
	reflect.Int8:    reflect.TypeOf(int8(0)),
	reflect.Int16:   reflect.TypeOf(int16(0)),
	reflect.Int32:   reflect.TypeOf(int32(0)),
	reflect.Int64:   reflect.TypeOf(int64(0)),
	reflect.Uint:    reflect.TypeOf(uint(0)),
	reflect.Uint8:   reflect.TypeOf(uint8(0)),
	reflect.Uint16:  reflect.TypeOf(uint16(0)),
	reflect.Uint32:  reflect.TypeOf(uint32(0)),
	reflect.Uint64:  reflect.TypeOf(uint64(0)),
	reflect.Float32: reflect.TypeOf(float32(0)),
	reflect.Float64: reflect.TypeOf(float64(0)),
	reflect.String:  reflect.TypeOf(""),
}

var bytesType = reflect.TypeOf([]byte(nil))

// basicType returns the predeclared type with the same underlying kind as
// t, or nil when t is not a wrapper over a basic kind.
func basicType(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return bytesType
	}
	return basicTypes[t.Kind()]
}
