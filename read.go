package rowbind

import (
	"database/sql"
	"fmt"
	"reflect"
	"time"
)

// readPath classifies how a leaf value is obtained from a record.
type readPath uint8

const (
	rpDirect   readPath = iota // declared type assignable to target
	rpConvert                  // structural conversion of the declared type
	rpProvider                 // provider-specific value, assignable or converted
	rpScanner                  // *target implements sql.Scanner, fed the raw value
	rpDynamic                  // declared type unknown; checked per row
)

func (p readPath) String() string {
	switch p {
	case rpDirect:
		return "direct"
	case rpConvert:
		return "convert"
	case rpProvider:
		return "provider"
	case rpScanner:
		return "scanner"
	case rpDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

var (
	scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})
)

// leafRead reads one field of the current row as target.
type leafRead struct {
	path     readPath
	ordinal  int
	column   string
	target   reflect.Type
	nullable bool // declared nullable by the source
	nullOK   bool // a NULL becomes the zero value (or is handed to Scan)
}

// isLeafType reports whether t is read from a single field rather than
// assembled from several.
func isLeafType(t reflect.Type) bool {
	if isScanner(t) {
		return true
	}
	switch t.Kind() {
	case reflect.Struct:
		return t == timeType
	case reflect.Pointer, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	}
	return true
}

func isScanner(t reflect.Type) bool {
	return reflect.PointerTo(t).Implements(scannerIface)
}

// acceptsNull reports whether t can represent NULL without being optional.
func acceptsNull(t reflect.Type) bool {
	if isScanner(t) {
		return true
	}
	switch t.Kind() {
	case reflect.Interface, reflect.Slice, reflect.Map:
		return true
	}
	return false
}

type kindFamily uint8

const (
	famOther kindFamily = iota
	famNumeric
	famText
)

func familyOf(t reflect.Type) kindFamily {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return famNumeric
	case reflect.String:
		return famText
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return famText
		}
	}
	return famOther
}

// convertible reports whether a value of type d can be converted to t
// without changing what it means: numbers to numbers, text to text, and
// named types to and from their underlying type. int -> string is excluded.
func convertible(d, t reflect.Type) bool {
	if !d.ConvertibleTo(t) {
		return false
	}
	fd, ft := familyOf(d), familyOf(t)
	if fd != ft {
		return false
	}
	if fd == famOther {
		return d.Kind() == t.Kind()
	}
	return true
}

// preferScan reports whether text of type d is handed to the Scan method of
// t rather than converted, since text may need parsing.
func preferScan(d, t reflect.Type) bool {
	return isScanner(t) && familyOf(d) == famText
}

// resolveRead picks the read path for it into t, or reports false when no
// path exists.
func resolveRead(it *FieldMapItem, t reflect.Type) (*leafRead, bool) {
	r := &leafRead{
		ordinal:  it.Ordinal,
		column:   it.Path,
		target:   t,
		nullable: it.Nullable,
		nullOK:   acceptsNull(t),
	}
	d := it.Type
	p := it.ProviderType

	switch {
	case d == nil || (d.Kind() == reflect.Interface && !d.AssignableTo(t)):
		// A composite target never comes from one field of unknown type.
		if !isLeafType(t) {
			return nil, false
		}
		r.path = rpDynamic
	case d.AssignableTo(t):
		r.path = rpDirect
	case convertible(d, t) && !preferScan(d, t):
		r.path = rpConvert
	case p != nil && (p.AssignableTo(t) || convertible(p, t)):
		r.path = rpProvider
	case isScanner(t):
		r.path = rpScanner
	default:
		return nil, false
	}
	return r, true
}

// read evaluates r against rec.
func (r *leafRead) read(rec Record) (reflect.Value, error) {
	if rec.IsNull(r.ordinal) {
		switch {
		case r.path == rpScanner || (r.path == rpDynamic && isScanner(r.target)):
			return scanInto(r.target, nil)
		case r.nullOK:
			return reflect.Zero(r.target), nil
		}
		return reflect.Value{}, &UnexpectedNullError{Target: r.target, Fields: []string{r.column}}
	}

	switch r.path {
	case rpProvider:
		pr, ok := rec.(ProviderRecord)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%w: column %q: record %T has no provider values", ErrInvalidConversion, r.column, rec)
		}
		v, err := pr.ProviderValue(r.ordinal)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("rowbind: column %q: %w", r.column, err)
		}
		return r.coerce(v)
	case rpScanner:
		return scanInto(r.target, indirect(rec.Value(r.ordinal)))
	case rpDynamic:
		v := indirect(rec.Value(r.ordinal))
		if v != nil && preferScan(reflect.TypeOf(v), r.target) {
			return scanInto(r.target, v)
		}
		out, err := r.coerce(v)
		if err != nil && isScanner(r.target) {
			return scanInto(r.target, v)
		}
		return out, err
	default:
		return r.coerce(rec.Value(r.ordinal))
	}
}

// coerce turns v into a value of r.target, dereferencing pointers declared
// by the source.
func (r *leafRead) coerce(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		if r.nullOK {
			return reflect.Zero(r.target), nil
		}
		return reflect.Value{}, &UnexpectedNullError{Target: r.target, Fields: []string{r.column}}
	}
	for rv.Kind() == reflect.Pointer && !rv.Type().AssignableTo(r.target) {
		if rv.IsNil() {
			if r.nullOK {
				return reflect.Zero(r.target), nil
			}
			return reflect.Value{}, &UnexpectedNullError{Target: r.target, Fields: []string{r.column}}
		}
		rv = rv.Elem()
	}

	st := rv.Type()
	switch {
	case st == r.target:
		return rv, nil
	case st.AssignableTo(r.target):
		out := reflect.New(r.target).Elem()
		out.Set(rv)
		return out, nil
	case convertible(st, r.target):
		return rv.Convert(r.target), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: column %q: %s to %s", ErrInvalidConversion, r.column, st, r.target)
}

// scanInto allocates a t and feeds src to its Scan method.
func scanInto(t reflect.Type, src any) (reflect.Value, error) {
	p := reflect.New(t)
	if err := p.Interface().(sql.Scanner).Scan(src); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: scan into %s: %v", ErrInvalidConversion, t, err)
	}
	return p.Elem(), nil
}

// indirect dereferences a non-nil pointer value; nil pointers become nil.
func indirect(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return v
	}
	if rv.IsNil() {
		return nil
	}
	return rv.Elem().Interface()
}
