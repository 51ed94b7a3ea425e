package rowbind

import (
	"fmt"
	"reflect"
	"strings"
)

// nodeKind tags the variants of a conversion plan node.
type nodeKind uint8

const (
	nkRead     nodeKind = iota // read one field
	nkOptional                 // *T: nil when the feeding fields are NULL
	nkCall                     // invoke a factory or caller function
	nkMembers                  // assign struct members
)

// node is one step of a compiled conversion plan. Plans are immutable once
// built and shared by every goroutine using the converter.
type node struct {
	kind nodeKind
	typ  reflect.Type

	leaf *leafRead // nkRead

	elem *node // nkOptional
	cols []int // nkOptional: ordinals feeding elem

	fn     reflect.Value // nkCall; invalid when supplied per invocation
	hasErr bool
	params []string
	args   []*node

	members []boundMember // nkMembers

	guards []guard // nkCall, nkMembers
}

type boundMember struct {
	name  string
	index []int
	n     *node
}

// guard is a null check on a nullable field feeding a non-optional leaf.
type guard struct {
	ordinal int
	column  string
}

func (n *node) eval(rec Record, fn reflect.Value) (reflect.Value, error) {
	switch n.kind {
	case nkRead:
		return n.leaf.read(rec)

	case nkOptional:
		if len(n.cols) > 0 && allNull(rec, n.cols) {
			return reflect.Zero(n.typ), nil
		}
		v, err := n.elem.eval(rec, fn)
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(n.elem.typ)
		p.Elem().Set(v)
		return p, nil

	case nkCall:
		if err := n.checkGuards(rec); err != nil {
			return reflect.Value{}, err
		}
		args := make([]reflect.Value, len(n.args))
		for i, a := range n.args {
			v, err := a.eval(rec, reflect.Value{})
			if err != nil {
				return reflect.Value{}, err
			}
			args[i] = v
		}
		f := n.fn
		if !f.IsValid() {
			f = fn
		}
		if !f.IsValid() {
			return reflect.Value{}, ErrNoFunction
		}
		out := f.Call(args)
		if n.hasErr && !out[1].IsNil() {
			return reflect.Value{}, out[1].Interface().(error)
		}
		return out[0], nil

	case nkMembers:
		dst := reflect.New(n.typ).Elem()
		if err := n.fill(rec, dst); err != nil {
			return reflect.Value{}, err
		}
		return dst, nil
	}
	return reflect.Value{}, fmt.Errorf("rowbind: unknown plan node %d", n.kind)
}

// fill evaluates every member first and assigns them only when all
// succeeded, so dst is untouched on error.
func (n *node) fill(rec Record, dst reflect.Value) error {
	if err := n.checkGuards(rec); err != nil {
		return err
	}
	vals := make([]reflect.Value, len(n.members))
	for i, m := range n.members {
		v, err := m.n.eval(rec, reflect.Value{})
		if err != nil {
			return err
		}
		vals[i] = v
	}
	for i, m := range n.members {
		fieldByIndexAlloc(dst, m.index).Set(vals[i])
	}
	return nil
}

func (n *node) checkGuards(rec Record) error {
	var null []string
	for _, g := range n.guards {
		if rec.IsNull(g.ordinal) {
			null = append(null, g.column)
		}
	}
	if len(null) > 0 {
		return &UnexpectedNullError{Target: n.typ, Fields: null}
	}
	return nil
}

func allNull(rec Record, cols []int) bool {
	for _, c := range cols {
		if !rec.IsNull(c) {
			return false
		}
	}
	return true
}

// Converter is a compiled conversion from rows of one source shape into one
// target type. It is immutable and safe for concurrent use.
type Converter struct {
	key        ShapeKey
	target     reflect.Type
	root       *node
	projection bool
}

// Key returns the shape key the converter was compiled for.
func (c *Converter) Key() ShapeKey { return c.key }

// Target returns the type produced by the converter.
func (c *Converter) Target() reflect.Type { return c.target }

// Projection reports whether the converter needs a caller function.
func (c *Converter) Projection() bool { return c.projection }

// Convert builds a new target value from rec.
func (c *Converter) Convert(rec Record) (reflect.Value, error) {
	if c.projection {
		return reflect.Value{}, ErrNoFunction
	}
	return c.root.eval(rec, reflect.Value{})
}

// ConvertInto writes rec into dst, which must be a settable value of the
// target type. Struct members not bound by the plan keep their value.
func (c *Converter) ConvertInto(rec Record, dst reflect.Value) error {
	if !dst.CanSet() || dst.Type() != c.target {
		return fmt.Errorf("rowbind: ConvertInto needs a settable %s, got %s", c.target, dst.Type())
	}
	if c.root.kind == nkMembers {
		return c.root.fill(rec, dst)
	}
	v, err := c.Convert(rec)
	if err != nil {
		return err
	}
	dst.Set(v)
	return nil
}

// Invoke binds rec to the parameters of fn and calls it, returning its first
// result. fn must have the type the converter was compiled for.
func (c *Converter) Invoke(rec Record, fn reflect.Value) (reflect.Value, error) {
	if !c.projection {
		return reflect.Value{}, fmt.Errorf("rowbind: converter for %s is not a projection", c.target)
	}
	return c.root.eval(rec, fn)
}

// String renders the plan for diagnostics.
func (c *Converter) String() string {
	var b strings.Builder
	b.WriteString(c.key.String())
	b.WriteByte('\n')
	c.root.dump(&b, "", 1)
	return b.String()
}

func (n *node) dump(b *strings.Builder, label string, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	if label != "" {
		b.WriteString(label)
		b.WriteString(" <- ")
	}
	switch n.kind {
	case nkRead:
		fmt.Fprintf(b, "read %q #%d %s %s", n.leaf.column, n.leaf.ordinal, n.leaf.path, n.typ)
	case nkOptional:
		fmt.Fprintf(b, "optional %s", n.typ)
	case nkCall:
		if n.fn.IsValid() {
			fmt.Fprintf(b, "call %s", n.fn.Type())
		} else {
			fmt.Fprintf(b, "call <caller function> -> %s", n.typ)
		}
	case nkMembers:
		fmt.Fprintf(b, "members %s", n.typ)
	}
	if len(n.guards) > 0 {
		cols := make([]string, len(n.guards))
		for i, g := range n.guards {
			cols[i] = g.column
		}
		fmt.Fprintf(b, " guard[%s]", strings.Join(cols, " | "))
	}
	b.WriteByte('\n')

	switch n.kind {
	case nkOptional:
		n.elem.dump(b, "", depth+1)
	case nkCall:
		for i, a := range n.args {
			a.dump(b, n.params[i], depth+1)
		}
	case nkMembers:
		for _, m := range n.members {
			m.n.dump(b, m.name, depth+1)
		}
	}
}
