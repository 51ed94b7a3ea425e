package rowbind

import (
	"reflect"
)

// Field describes one column of a row source.
type Field struct {
	// Name is the column name. Dots separate nested value paths ("Address.City").
	Name string
	// Type is the declared Go type of the values returned by Record.Value.
	// A nil Type means the column is read dynamically.
	Type reflect.Type
	// ProviderType is an alternate, source-specific representation returned
	// by ProviderRecord.ProviderValue. Optional.
	ProviderType reflect.Type
	// Nullable reports whether the source may hold NULL in this column.
	Nullable bool
}

// Schema describes the ordered fields of a row source. It is queried once per
// compile and must not change for the lifetime of the source.
type Schema interface {
	NumField() int
	Field(i int) Field
}

// Record gives access to the current row of a source.
type Record interface {
	IsNull(i int) bool
	// Value returns the field value as its declared type (or nil for NULL).
	Value(i int) any
}

// ProviderRecord is implemented by records that can expose fields in their
// provider-specific representation.
type ProviderRecord interface {
	Record
	ProviderValue(i int) (any, error)
}

// Cursor is a row source that is both schema and current record.
type Cursor interface {
	Schema
	Record
	Next() bool
	Err() error
}

// fieldList is a static Schema.
type fieldList []Field

func (l fieldList) NumField() int     { return len(l) }
func (l fieldList) Field(i int) Field { return l[i] }

// Fields returns a static Schema over fs.
func Fields(fs ...Field) Schema {
	return fieldList(fs)
}

// Values is a Record over a slice of values; a nil element is NULL.
type Values []any

// IsNull reports whether the i-th value is nil.
func (v Values) IsNull(i int) bool {
	if v[i] == nil {
		return true
	}
	rv := reflect.ValueOf(v[i])
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// Value returns the i-th value.
func (v Values) Value(i int) any { return v[i] }
