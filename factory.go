package rowbind

import (
	"fmt"
	"reflect"
	"sort"
)

var errorIface = reflect.TypeOf((*error)(nil)).Elem()

// factory is a registered constructor for a target type.
type factory struct {
	fn     reflect.Value
	out    reflect.Type
	params []string
	hasErr bool
}

// parseFactory validates fn as a constructor. Supported forms:
//   - func(a A, b B, ...) T
//   - func(a A, b B, ...) (T, error)
func parseFactory(fn any, params []string) (factory, error) {
	fv := reflect.ValueOf(fn)
	if !fv.IsValid() || fv.Kind() != reflect.Func || fv.IsNil() {
		return factory{}, fmt.Errorf("%w: %T is not a function", ErrInvalidFactory, fn)
	}
	ft := fv.Type()
	if ft.IsVariadic() {
		return factory{}, fmt.Errorf("%w: variadic %s", ErrInvalidFactory, ft)
	}
	if ft.NumIn() != len(params) {
		return factory{}, fmt.Errorf("%w: %s takes %d parameters, %d names given", ErrInvalidFactory, ft, ft.NumIn(), len(params))
	}

	f := factory{fn: fv, params: append([]string(nil), params...)}
	switch ft.NumOut() {
	case 1:
	case 2:
		if ft.Out(1) != errorIface {
			return factory{}, fmt.Errorf("%w: second result of %s must be error", ErrInvalidFactory, ft)
		}
		f.hasErr = true
	default:
		return factory{}, fmt.Errorf("%w: %s must return T or (T, error)", ErrInvalidFactory, ft)
	}
	f.out = ft.Out(0)
	return f, nil
}

// RegisterFactory registers fn as a constructor for its first result type.
// params names the source field each parameter binds to, in order. When
// several factories exist for a type, the one with the most parameters whose
// every parameter binds is used.
func (m *Mapper) RegisterFactory(fn any, params ...string) error {
	f, err := parseFactory(fn, params)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[f.out] = append(m.factories[f.out], f)
	m.factoryGen++
	return nil
}

// generation returns the number of factories registered so far.
func (m *Mapper) generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.factoryGen
}

// candidates returns the factories for t, most parameters first.
func (m *Mapper) candidates(t reflect.Type) []factory {
	m.mu.RLock()
	fs := append([]factory(nil), m.factories[t]...)
	m.mu.RUnlock()
	sort.SliceStable(fs, func(i, j int) bool {
		return len(fs[i].params) > len(fs[j].params)
	})
	return fs
}
