package rowbind

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Queryer abstracts *sql.DB / *sql.Tx QueryContext for easy testing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// colKind classifies the strategy for scanning a result column.
type colKind uint8

const (
	ckValue colKind = iota // declared type known, scanned via a **T holder
	ckRaw                  // scanned into *any; dynamic or decoded on demand
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// nullTypes maps database/sql Null* scan types to the type they carry.
var nullTypes = map[reflect.Type]reflect.Type{
	reflect.TypeOf(sql.NullBool{}):    reflect.TypeOf(false),
	reflect.TypeOf(sql.NullByte{}):    reflect.TypeOf(byte(0)),
	reflect.TypeOf(sql.NullInt16{}):   reflect.TypeOf(int16(0)),
	reflect.TypeOf(sql.NullInt32{}):   reflect.TypeOf(int32(0)),
	reflect.TypeOf(sql.NullInt64{}):   reflect.TypeOf(int64(0)),
	reflect.TypeOf(sql.NullFloat64{}): reflect.TypeOf(float64(0)),
	reflect.TypeOf(sql.NullString{}):  reflect.TypeOf(""),
	reflect.TypeOf(sql.NullTime{}):    reflect.TypeOf(time.Time{}),
	reflect.TypeOf(sql.RawBytes{}):    reflect.TypeOf([]byte(nil)),
}

// providerTypes maps database type names to the lib/pq types able to
// decode them. Such columns are scanned raw.
var providerTypes = map[string]reflect.Type{
	"_TEXT":    reflect.TypeOf(pq.StringArray{}),
	"_VARCHAR": reflect.TypeOf(pq.StringArray{}),
	"_INT2":    reflect.TypeOf(pq.Int64Array{}),
	"_INT4":    reflect.TypeOf(pq.Int64Array{}),
	"_INT8":    reflect.TypeOf(pq.Int64Array{}),
	"_FLOAT4":  reflect.TypeOf(pq.Float64Array{}),
	"_FLOAT8":  reflect.TypeOf(pq.Float64Array{}),
	"_BOOL":    reflect.TypeOf(pq.BoolArray{}),
	"_BYTEA":   reflect.TypeOf(pq.ByteaArray{}),
}

// Rows adapts *sql.Rows to a Cursor. Per-row buffers are allocated once
// and reused; Rows is not safe for concurrent use.
type Rows struct {
	rows    *sql.Rows
	fields  []Field
	kinds   []colKind
	holders []reflect.Value
	targets []any
	err     error
}

// NewRows describes rows from its column types and prepares scan buffers.
func NewRows(rows *sql.Rows) (*Rows, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	r := &Rows{
		rows:    rows,
		fields:  make([]Field, len(cts)),
		kinds:   make([]colKind, len(cts)),
		holders: make([]reflect.Value, len(cts)),
		targets: make([]any, len(cts)),
	}
	for i, ct := range cts {
		f := Field{Name: ct.Name()}
		f.Type, f.Nullable = normalizeScanType(ct.ScanType())
		if n, ok := ct.Nullable(); ok {
			f.Nullable = f.Nullable || n
		} else {
			f.Nullable = true
		}
		if p, ok := providerTypes[strings.ToUpper(ct.DatabaseTypeName())]; ok {
			f.ProviderType = p
			r.kinds[i] = ckRaw
		}
		if f.Type == nil {
			r.kinds[i] = ckRaw
		}

		// Pointer holders let database/sql report NULL as a nil *T.
		if r.kinds[i] == ckRaw {
			r.holders[i] = reflect.New(anyType)
		} else {
			r.holders[i] = reflect.New(reflect.PointerTo(f.Type))
		}
		r.targets[i] = r.holders[i].Interface()
		r.fields[i] = f
	}
	return r, nil
}

// normalizeScanType returns the declared type for a driver scan type and
// whether the scan type itself signals nullability.
func normalizeScanType(t reflect.Type) (reflect.Type, bool) {
	if t == nil || t == anyType {
		return nil, false
	}
	if inner, ok := nullTypes[t]; ok {
		return inner, t != reflect.TypeOf(sql.RawBytes{})
	}
	if t.Kind() == reflect.Pointer {
		return t.Elem(), true
	}
	return t, false
}

// NumField returns the number of result columns.
func (r *Rows) NumField() int { return len(r.fields) }

// Field describes column i.
func (r *Rows) Field(i int) Field { return r.fields[i] }

// Next advances to and scans the next row.
func (r *Rows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	for _, h := range r.holders {
		h.Elem().SetZero()
	}
	if err := r.rows.Scan(r.targets...); err != nil {
		r.err = err
		return false
	}
	return true
}

// Err returns the first scan or iteration error.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// IsNull reports whether column i of the current row is NULL.
func (r *Rows) IsNull(i int) bool {
	return r.holders[i].Elem().IsNil()
}

// Value returns column i of the current row.
func (r *Rows) Value(i int) any {
	h := r.holders[i].Elem()
	if h.IsNil() {
		return nil
	}
	if r.kinds[i] == ckRaw {
		return h.Interface()
	}
	return h.Elem().Interface()
}

// ProviderValue decodes column i with its provider type.
func (r *Rows) ProviderValue(i int) (any, error) {
	p := r.fields[i].ProviderType
	if p == nil {
		return nil, fmt.Errorf("rowbind: column %q has no provider type", r.fields[i].Name)
	}
	dst := reflect.New(p)
	if err := dst.Interface().(sql.Scanner).Scan(r.Value(i)); err != nil {
		return nil, err
	}
	return dst.Elem().Interface(), nil
}

// QueryAll runs query and converts every row into a T.
func QueryAll[T any](ctx context.Context, m *Mapper, db Queryer, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cur, err := NewRows(rows)
	if err != nil {
		return nil, err
	}
	return Collect[T](m, cur)
}

// QueryOne runs query and converts exactly one row into a T.
// It returns sql.ErrNoRows if no rows are returned and ErrMoreThanOneRow if
// more than one is.
func QueryOne[T any](ctx context.Context, m *Mapper, db Queryer, query string, args ...any) (T, error) {
	var zero T
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return zero, err
	}
	defer rows.Close()

	cur, err := NewRows(rows)
	if err != nil {
		return zero, err
	}
	conv, err := Convert[T](m, cur)
	if err != nil {
		return zero, err
	}

	if !cur.Next() {
		if err := cur.Err(); err != nil {
			return zero, err
		}
		return zero, sql.ErrNoRows
	}
	v, err := conv(cur)
	if err != nil {
		return zero, err
	}

	// Must be at most ONE row
	if cur.Next() {
		return zero, ErrMoreThanOneRow
	}
	return v, cur.Err()
}
