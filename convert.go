package rowbind

import (
	"fmt"
	"reflect"
)

// Convert returns a function building a new T from each row of a source
// with schema s.
func Convert[T any](m *Mapper, s Schema, opts ...RequestOption) (func(Record) (T, error), error) {
	c, err := m.Compile(s, reflect.TypeOf((*T)(nil)).Elem(), opts...)
	if err != nil {
		return nil, err
	}
	return func(rec Record) (T, error) {
		v, err := c.Convert(rec)
		if err != nil {
			var zero T
			return zero, err
		}
		return valueAs[T](v), nil
	}, nil
}

// ConvertInto returns a function writing each row into an existing T. For
// struct targets bound by members, members the source does not provide keep
// their current value, so one T can be reused across rows.
func ConvertInto[T any](m *Mapper, s Schema, opts ...RequestOption) (func(Record, *T) error, error) {
	c, err := m.Compile(s, reflect.TypeOf((*T)(nil)).Elem(), opts...)
	if err != nil {
		return nil, err
	}
	return func(rec Record, dst *T) error {
		if dst == nil {
			return fmt.Errorf("rowbind: ConvertInto with nil destination")
		}
		return c.ConvertInto(rec, reflect.ValueOf(dst).Elem())
	}, nil
}

// ConvertWith returns a function building a T from each row by calling fn,
// whose parameters bind by name to the fields listed in params. fn must
// return T or (T, error).
//
// The compiled binding depends only on the type of fn, so it is cached and
// shared between functions of the same type.
func ConvertWith[T any](m *Mapper, s Schema, fn any, params []string, opts ...RequestOption) (func(Record) (T, error), error) {
	target := reflect.TypeOf((*T)(nil)).Elem()
	f, err := parseProjection(fn, params, target)
	if err != nil {
		return nil, err
	}
	key := NewProjectionKey(s, target, f.fn.Type(), params)
	c, err := m.compile(s, key, opts, func(b *binder, sm *SchemaMap) (*node, error) {
		return b.bindProjection(sm, f.fn.Type(), params)
	})
	if err != nil {
		return nil, err
	}
	return invoker[T](c, f.fn), nil
}

// Trampoline returns a function calling fn with the fields of each row as
// positional arguments: parameter i receives field i. fn must return R or
// (R, error).
func Trampoline[R any](m *Mapper, s Schema, fn any, opts ...RequestOption) (func(Record) (R, error), error) {
	target := reflect.TypeOf((*R)(nil)).Elem()
	ft := reflect.TypeOf(fn)
	if ft == nil || ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidFactory, fn)
	}
	bindings := make([]string, ft.NumIn())
	for i := range bindings {
		bindings[i] = fmt.Sprintf("#%d", i)
	}
	f, err := parseProjection(fn, bindings, target)
	if err != nil {
		return nil, err
	}
	key := NewProjectionKey(s, target, ft, bindings)
	c, err := m.compile(s, key, opts, func(b *binder, sm *SchemaMap) (*node, error) {
		return b.bindPositional(sm, ft)
	})
	if err != nil {
		return nil, err
	}
	return invoker[R](c, f.fn), nil
}

// Collect drains cur through one converter into a slice.
func Collect[T any](m *Mapper, cur Cursor, opts ...RequestOption) ([]T, error) {
	conv, err := Convert[T](m, cur, opts...)
	if err != nil {
		return nil, err
	}
	var out []T
	for cur.Next() {
		v, err := conv(cur)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, cur.Err()
}

func parseProjection(fn any, params []string, target reflect.Type) (factory, error) {
	f, err := parseFactory(fn, params)
	if err != nil {
		return factory{}, err
	}
	if !f.out.AssignableTo(target) {
		return factory{}, fmt.Errorf("%w: %s returns %s, want %s", ErrInvalidFactory, f.fn.Type(), f.out, target)
	}
	return f, nil
}

func invoker[T any](c *Converter, fn reflect.Value) func(Record) (T, error) {
	return func(rec Record) (T, error) {
		v, err := c.Invoke(rec, fn)
		if err != nil {
			var zero T
			return zero, err
		}
		return valueAs[T](v), nil
	}
}

// valueAs copies v into a T. Unlike v.Interface().(T) it handles nil
// interface values.
func valueAs[T any](v reflect.Value) T {
	var out T
	if v.IsValid() {
		reflect.ValueOf(&out).Elem().Set(v)
	}
	return out
}
