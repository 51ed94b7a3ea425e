package rowbind

import (
	"fmt"
	"reflect"
)

// binder resolves a target shape against a SchemaMap and produces a plan.
type binder struct {
	m   *Mapper
	tag string
}

// bindRoot binds t against the whole source.
func (b *binder) bindRoot(sm *SchemaMap, t reflect.Type) (*node, error) {
	// A single field converts straight into a scalar target.
	if sm.Len() == 1 && sm.NestedLen() == 0 && isLeafType(derefAll(t)) {
		it := sm.Leaves()[0]
		n, ok := b.leaf(it, t)
		if !ok {
			return nil, &BindingError{
				Target:  t,
				Member:  it.Path,
				Reason:  fmt.Sprintf("no conversion from %s", typeName(it.Type)),
				invalid: true,
			}
		}
		return n, nil
	}

	n, ok, err := b.shape(sm, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &BindingError{Target: t, Reason: "no factory or member binds to the source"}
	}
	return n, nil
}

// bindProjection binds the parameters of fnType by name. The function itself
// is supplied at invocation time.
func (b *binder) bindProjection(sm *SchemaMap, fnType reflect.Type, params []string) (*node, error) {
	target := fnType.Out(0)
	args := make([]*node, len(params))
	for i, p := range params {
		n, found, err := b.member(sm, p, fnType.In(i), target)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &BindingError{Target: target, Member: p, Reason: "parameter not found in source"}
		}
		args[i] = n
	}
	return b.call(target, reflect.Value{}, fnType, params, args), nil
}

// bindPositional binds parameter i of fnType to the field with ordinal i.
func (b *binder) bindPositional(sm *SchemaMap, fnType reflect.Type) (*node, error) {
	target := fnType.Out(0)
	params := make([]string, fnType.NumIn())
	args := make([]*node, fnType.NumIn())
	for i := range args {
		params[i] = fmt.Sprintf("#%d", i)
		it, ok := sm.At(i)
		if !ok {
			return nil, &BindingError{Target: target, Member: params[i], Reason: "source has fewer fields than parameters"}
		}
		n, ok := b.leaf(it, fnType.In(i))
		if !ok {
			return nil, &BindingError{
				Target:  target,
				Member:  it.Path,
				Reason:  fmt.Sprintf("no conversion from %s to parameter %d (%s)", typeName(it.Type), i, fnType.In(i)),
				invalid: true,
			}
		}
		args[i] = n
	}
	return b.call(target, reflect.Value{}, fnType, params, args), nil
}

// shape binds a composite target: a registered factory if one is viable,
// struct members otherwise. *T targets become optional.
func (b *binder) shape(sm *SchemaMap, t reflect.Type) (*node, bool, error) {
	if t.Kind() == reflect.Pointer {
		inner, ok, err := b.shape(sm, t.Elem())
		if err != nil || !ok {
			return nil, ok, err
		}
		return optional(t, inner), true, nil
	}

	for _, f := range b.m.candidates(t) {
		args := make([]*node, len(f.params))
		viable := true
		for i, p := range f.params {
			n, found, err := b.member(sm, p, f.fn.Type().In(i), t)
			if err != nil {
				return nil, false, err
			}
			if !found {
				viable = false
				break
			}
			args[i] = n
		}
		if viable {
			return b.call(t, f.fn, f.fn.Type(), f.params, args), true, nil
		}
	}

	if t.Kind() != reflect.Struct || isLeafType(t) {
		return nil, false, nil
	}

	si := membersOf(t, b.tag)
	n := &node{kind: nkMembers, typ: t}
	for _, mb := range si.members {
		child, found, err := b.member(sm, mb.name, mb.typ, t)
		if err != nil {
			return nil, false, err
		}
		if !found {
			if mb.required {
				return nil, false, &BindingError{Target: t, Member: mb.name, Reason: "required member not found in source"}
			}
			continue
		}
		if mb.ambiguous {
			return nil, false, fmt.Errorf("%w: %q in %s", ErrFieldAmbiguous, mb.name, t)
		}
		n.members = append(n.members, boundMember{name: mb.name, index: mb.index, n: child})
	}
	if len(n.members) == 0 {
		return nil, false, nil
	}
	for _, m := range n.members {
		n.guards = appendGuard(n.guards, m.n)
	}
	return n, true, nil
}

// member resolves one named member or parameter of owner.
func (b *binder) member(sm *SchemaMap, name string, t, owner reflect.Type) (*node, bool, error) {
	if t.Kind() == reflect.Pointer && !isScanner(t) {
		inner, found, err := b.member(sm, name, t.Elem(), owner)
		if err != nil || !found {
			return nil, found, err
		}
		return optional(t, inner), true, nil
	}

	sub, hasNested := sm.Nested(name)
	if it, ok := sm.Leaf(name); ok {
		if r, ok := resolveRead(it, t); ok {
			return &node{kind: nkRead, typ: t, leaf: r}, true, nil
		}
		if !hasNested || isLeafType(t) {
			return nil, false, &BindingError{
				Target:  owner,
				Member:  name,
				Reason:  fmt.Sprintf("no conversion from %s to %s", typeName(it.Type), t),
				invalid: true,
			}
		}
	}

	if hasNested && !isLeafType(t) {
		return b.shape(sub, t)
	}
	return nil, false, nil
}

// leaf reads it as t, unwrapping *T into an optional.
func (b *binder) leaf(it *FieldMapItem, t reflect.Type) (*node, bool) {
	if t.Kind() == reflect.Pointer && !isScanner(t) {
		inner, ok := b.leaf(it, t.Elem())
		if !ok {
			return nil, false
		}
		return optional(t, inner), true
	}
	r, ok := resolveRead(it, t)
	if !ok {
		return nil, false
	}
	return &node{kind: nkRead, typ: t, leaf: r}, true
}

func (b *binder) call(t reflect.Type, fn reflect.Value, fnType reflect.Type, params []string, args []*node) *node {
	n := &node{
		kind:   nkCall,
		typ:    t,
		fn:     fn,
		hasErr: fnType.NumOut() == 2,
		params: params,
		args:   args,
	}
	for _, a := range args {
		n.guards = appendGuard(n.guards, a)
	}
	return n
}

// appendGuard adds a null check when child is a non-optional read of a
// nullable field.
func appendGuard(gs []guard, child *node) []guard {
	if child.kind != nkRead || child.leaf.nullOK || !child.leaf.nullable {
		return gs
	}
	return append(gs, guard{ordinal: child.leaf.ordinal, column: child.leaf.column})
}

// optional wraps inner as *T; the result is nil when every field feeding
// inner is NULL. An inner built from no fields is always evaluated.
func optional(t reflect.Type, inner *node) *node {
	return &node{kind: nkOptional, typ: t, elem: inner, cols: inner.ordinals(nil)}
}

// ordinals appends the ordinal of every field read under n.
func (n *node) ordinals(dst []int) []int {
	switch n.kind {
	case nkRead:
		return append(dst, n.leaf.ordinal)
	case nkOptional:
		return n.elem.ordinals(dst)
	case nkCall:
		for _, a := range n.args {
			dst = a.ordinals(dst)
		}
	case nkMembers:
		for _, m := range n.members {
			dst = m.n.ordinals(dst)
		}
	}
	return dst
}

func derefAll(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer && !isScanner(t) {
		t = t.Elem()
	}
	return t
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "unknown type"
	}
	return t.String()
}
