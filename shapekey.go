package rowbind

import (
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ShapeKey identifies a compiled converter: the signature of the source
// columns plus the target type, and for projections the function signature
// and how its parameters were bound. Keys are comparable and process-local.
type ShapeKey struct {
	sig    string
	target reflect.Type
	gen    uint64 // factory generation of the Mapper that built the converter
}

const (
	keySep   = "\x1f" // unit separator between fields; unlikely in column names
	keyGroup = "\x1e" // record separator between key sections
)

// NewShapeKey returns the key for converting rows of s into target.
func NewShapeKey(s Schema, target reflect.Type) ShapeKey {
	var b strings.Builder
	writeColumnsSig(&b, s)
	return ShapeKey{sig: b.String(), target: target}
}

// NewProjectionKey returns the key for converting rows of s into target
// through a function of type fn, where bindings[i] names what parameter i was
// bound to (a column name, or "#n" for ordinal n).
func NewProjectionKey(s Schema, target, fn reflect.Type, bindings []string) ShapeKey {
	var b strings.Builder
	writeColumnsSig(&b, s)
	b.WriteString(keyGroup)
	b.WriteString(typeToken(fn))
	b.WriteString(keyGroup)
	for i, p := range bindings {
		if i > 0 {
			b.WriteString(keySep)
		}
		b.WriteString(foldName(p))
	}
	return ShapeKey{sig: b.String(), target: target}
}

// withGeneration returns k tagged with a factory generation, so converters
// compiled before a factory was registered are not reused after it.
func (k ShapeKey) withGeneration(gen uint64) ShapeKey {
	k.gen = gen
	return k
}

// Target returns the target type of the key.
func (k ShapeKey) Target() reflect.Type { return k.target }

// IsZero reports whether k is the zero key.
func (k ShapeKey) IsZero() bool { return k.target == nil && k.sig == "" }

// String renders the key for logs. The format is not stable.
func (k ShapeKey) String() string {
	r := strings.NewReplacer(keySep, ", ", keyGroup, " | ")
	target := "<nil>"
	if k.target != nil {
		target = k.target.String()
	}
	out := target + " <- [" + r.Replace(k.sig) + "]"
	if k.gen > 0 {
		out += " @" + strconv.FormatUint(k.gen, 10)
	}
	return out
}

// writeColumnsSig writes name:effectiveType for every column, in order.
func writeColumnsSig(b *strings.Builder, s Schema) {
	n := s.NumField()
	for i := 0; i < n; i++ {
		f := s.Field(i)
		if i > 0 {
			b.WriteString(keySep)
		}
		b.WriteString(foldName(f.Name))
		b.WriteByte(':')
		b.WriteString(effectiveType(f))
	}
}

// effectiveType folds pointer and nullability into one token so that *int
// and int-with-Nullable compare equal.
func effectiveType(f Field) string {
	t := f.Type
	nullable := f.Nullable
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
		nullable = true
	}
	tok := typeToken(t)
	if nullable {
		tok += "?"
	}
	if f.ProviderType != nil {
		tok += "/" + typeToken(f.ProviderType)
	}
	return tok
}

var (
	typeIDs    sync.Map // reflect.Type -> string
	nextTypeID atomic.Int64
)

// typeToken renders t with a process-unique id, so two types that print the
// same (same name in different packages) never share a key.
func typeToken(t reflect.Type) string {
	if t == nil {
		return "*"
	}
	if tok, ok := typeIDs.Load(t); ok {
		return tok.(string)
	}
	tok := t.String() + "#" + strconv.FormatInt(nextTypeID.Add(1), 36)
	actual, _ := typeIDs.LoadOrStore(t, tok)
	return actual.(string)
}
