package rowbind

// Table exposes a slice of T as a Cursor, writing each element into one
// reusable slot array through an Accessor.
type Table[T any] struct {
	acc   *Accessor[T]
	items []T
	pos   int
	slots []any
	err   error
}

// NewTable returns a cursor over items, positioned before the first row.
func NewTable[T any](acc *Accessor[T], items []T) *Table[T] {
	return &Table[T]{
		acc:   acc,
		items: items,
		pos:   -1,
		slots: make([]any, acc.NumField()),
	}
}

// NumField returns the number of columns.
func (t *Table[T]) NumField() int { return t.acc.NumField() }

// Field describes column i.
func (t *Table[T]) Field(i int) Field { return t.acc.Field(i) }

// Next advances to the next element. It returns false at the end or when
// writing an element failed; check Err.
func (t *Table[T]) Next() bool {
	if t.err != nil || t.pos+1 >= len(t.items) {
		return false
	}
	t.pos++
	if err := t.acc.Write(t.items[t.pos], t.slots); err != nil {
		t.err = err
		return false
	}
	return true
}

// Err returns the error that stopped iteration, if any.
func (t *Table[T]) Err() error { return t.err }

// Reset rewinds the cursor.
func (t *Table[T]) Reset() {
	t.pos = -1
	t.err = nil
}

// IsNull reports whether column i of the current row is NULL.
func (t *Table[T]) IsNull(i int) bool { return t.slots[i] == nil }

// Value returns column i of the current row.
func (t *Table[T]) Value(i int) any { return t.slots[i] }

// Row returns the current slots. The slice is reused by Next.
func (t *Table[T]) Row() []any { return t.slots }
