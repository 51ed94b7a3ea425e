// Package rowbind compiles converters from tabular records into Go values. Given the shape of a row source (ordered, named, typed, nullable fields, with dotted names for nested values) and a target type, it binds fields to struct members, registered factories or function parameters once, caches the result by shape, and then converts rows without further reflection over names. The reverse direction, writing values into positional slots, is covered by CompileAccessor.

package rowbind
