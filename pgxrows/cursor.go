// Package pgxrows exposes pgx result sets as rowbind cursors, so rows read
// through the pgx native interface can be converted without database/sql.
package pgxrows

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/gandaldf/rowbind"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Querier is implemented by *pgx.Conn, pgx.Tx and pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// column describes how values of one PostgreSQL type are declared.
type column struct {
	typ      reflect.Type
	provider reflect.Type
}

var oidColumns = map[uint32]column{
	pgtype.BoolOID:        {typ: reflect.TypeOf(false)},
	pgtype.Int2OID:        {typ: reflect.TypeOf(int16(0))},
	pgtype.Int4OID:        {typ: reflect.TypeOf(int32(0))},
	pgtype.Int8OID:        {typ: reflect.TypeOf(int64(0))},
	pgtype.Float4OID:      {typ: reflect.TypeOf(float32(0))},
	pgtype.Float8OID:      {typ: reflect.TypeOf(float64(0))},
	pgtype.TextOID:        {typ: reflect.TypeOf("")},
	pgtype.VarcharOID:     {typ: reflect.TypeOf("")},
	pgtype.BPCharOID:      {typ: reflect.TypeOf("")},
	pgtype.NameOID:        {typ: reflect.TypeOf("")},
	pgtype.ByteaOID:       {typ: reflect.TypeOf([]byte(nil))},
	pgtype.DateOID:        {typ: reflect.TypeOf(time.Time{})},
	pgtype.TimestampOID:   {typ: reflect.TypeOf(time.Time{})},
	pgtype.TimestamptzOID: {typ: reflect.TypeOf(time.Time{})},
	pgtype.UUIDOID:        {typ: reflect.TypeOf([16]byte{}), provider: reflect.TypeOf("")},
	pgtype.NumericOID:     {typ: reflect.TypeOf(pgtype.Numeric{}), provider: reflect.TypeOf(float64(0))},
}

// Cursor adapts pgx.Rows to rowbind.Cursor. PostgreSQL does not report
// nullability in result metadata, so every field is nullable. JSON and
// unknown types are declared dynamic and checked per row.
type Cursor struct {
	rows   pgx.Rows
	fields []rowbind.Field
	values []any
	err    error
}

// New describes rows from its field descriptions.
func New(rows pgx.Rows) *Cursor {
	fds := rows.FieldDescriptions()
	c := &Cursor{rows: rows, fields: make([]rowbind.Field, len(fds))}
	for i, fd := range fds {
		col := oidColumns[fd.DataTypeOID]
		c.fields[i] = rowbind.Field{
			Name:         fd.Name,
			Type:         col.typ,
			ProviderType: col.provider,
			Nullable:     true,
		}
	}
	return c
}

// NumField returns the number of result fields.
func (c *Cursor) NumField() int { return len(c.fields) }

// Field describes field i.
func (c *Cursor) Field(i int) rowbind.Field { return c.fields[i] }

// Next advances to the next row and decodes its values.
func (c *Cursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	vals, err := c.rows.Values()
	if err != nil {
		c.err = err
		return false
	}
	c.values = vals
	return true
}

// Err returns the first decode or iteration error.
func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close closes the underlying rows.
func (c *Cursor) Close() { c.rows.Close() }

// IsNull reports whether field i of the current row is NULL.
func (c *Cursor) IsNull(i int) bool { return c.values[i] == nil }

// Value returns field i of the current row as decoded by pgx.
func (c *Cursor) Value(i int) any { return c.values[i] }

// ProviderValue returns the alternate representation of field i: UUIDs as
// their canonical text and numerics as float64.
func (c *Cursor) ProviderValue(i int) (any, error) {
	switch v := c.values[i].(type) {
	case nil:
		return nil, nil
	case [16]byte:
		return uuid.UUID(v).String(), nil
	case pgtype.Numeric:
		f, err := v.Float64Value()
		if err != nil {
			return nil, err
		}
		if !f.Valid {
			return nil, nil
		}
		return f.Float64, nil
	}
	return nil, fmt.Errorf("pgxrows: field %q has no provider value for %T", c.fields[i].Name, c.values[i])
}

// Query runs sql on q and converts every row into a T.
func Query[T any](ctx context.Context, m *rowbind.Mapper, q Querier, sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return rowbind.Collect[T](m, New(rows))
}
