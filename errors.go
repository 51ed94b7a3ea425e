package rowbind

import (
	"fmt"
	"reflect"
	"strings"
)

// BindingError reports a target shape that cannot be bound to a source.
// It is raised while compiling and is never cached.
type BindingError struct {
	Target reflect.Type
	Member string // offending member, parameter or column; may be empty
	Reason string

	invalid bool // no read path exists for the member
}

func (e *BindingError) Error() string {
	var b strings.Builder
	b.WriteString("rowbind: cannot bind ")
	b.WriteString(typeName(e.Target))
	if e.Member != "" {
		fmt.Fprintf(&b, " member %q", e.Member)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Unwrap exposes ErrBinding, and ErrInvalidConversion when no read path
// exists for the member.
func (e *BindingError) Unwrap() []error {
	if e.invalid {
		return []error{ErrBinding, ErrInvalidConversion}
	}
	return []error{ErrBinding}
}

// UnexpectedNullError reports NULL values in fields feeding non-optional
// targets. It is raised while converting a row.
type UnexpectedNullError struct {
	Target reflect.Type
	Fields []string
}

func (e *UnexpectedNullError) Error() string {
	return fmt.Sprintf("rowbind: unexpected null for %s in %s", typeName(e.Target), strings.Join(e.Fields, ", "))
}

func (e *UnexpectedNullError) Unwrap() error { return ErrUnexpectedNull }
