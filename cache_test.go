package rowbind

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestMemoCache_ReusesConverterAcrossSchemas verifies that two distinct
// schema instances with the same shape share one converter.
func TestMemoCache_ReusesConverterAcrossSchemas(t *testing.T) {
	cache := NewMemoCache()
	m := New(Config{Cache: cache})
	target := reflect.TypeOf(Person{})

	c1, err := m.Compile(personSchema(), target)
	require.NoError(t, err)
	c2, err := m.Compile(personSchema(), target)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	st := cache.Stats()
	assert.Equal(t, CacheStats{Size: 1, Hits: 1, Misses: 1, Compiles: 1}, st)

	cached, ok := cache.Lookup(NewShapeKey(personSchema(), target))
	require.True(t, ok)
	assert.Same(t, c1, cached)
}

// TestMemoCache_DistinctShapes ensures a different target or column set gets
// its own converter.
func TestMemoCache_DistinctShapes(t *testing.T) {
	cache := NewMemoCache()
	m := New(Config{Cache: cache})

	c1, err := m.Compile(personSchema(), reflect.TypeOf(Person{}))
	require.NoError(t, err)
	c2, err := m.Compile(personSchema(), reflect.TypeOf(PersonRequired{}))
	require.NoError(t, err)
	c3, err := m.Compile(Fields(Field{Name: "id", Type: intType}), reflect.TypeOf(Person{}))
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
	assert.NotSame(t, c1, c3)
	assert.Equal(t, int64(3), cache.Stats().Size)
}

// TestMemoCache_ConcurrentCompile checks that concurrent requests for one
// shape all observe the single published converter.
func TestMemoCache_ConcurrentCompile(t *testing.T) {
	cache := NewMemoCache()
	m := New(Config{Cache: cache})
	target := reflect.TypeOf(Person{})

	const n = 32
	got := make([]*Converter, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i], errs[i] = m.Compile(personSchema(), target)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, got[0], got[i])
	}
	st := cache.Stats()
	assert.Equal(t, int64(1), st.Size)
	assert.GreaterOrEqual(t, st.Compiles, int64(1))
	assert.Equal(t, int64(n), st.Hits+st.Misses)
}

// TestMemoCache_ErrorsNotCached ensures a failed compile is retried on the
// next request.
func TestMemoCache_ErrorsNotCached(t *testing.T) {
	cache := NewMemoCache()
	s := personSchema()
	key := NewShapeKey(s, reflect.TypeOf(Person{}))
	errBoom := errors.New("boom")

	calls := 0
	compile := func(*SchemaMap) (*Converter, error) {
		calls++
		return nil, errBoom
	}
	_, err := cache.GetOrCompile(s, key, compile)
	assert.ErrorIs(t, err, errBoom)
	_, err = cache.GetOrCompile(s, key, compile)
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(0), cache.Stats().Size)
	_, ok := cache.Lookup(key)
	assert.False(t, ok)
}

// TestNopCache_CompilesEveryTime verifies NopCache never reuses converters.
func TestNopCache_CompilesEveryTime(t *testing.T) {
	m := New(Config{Cache: NopCache{}})
	target := reflect.TypeOf(Person{})

	c1, err := m.Compile(personSchema(), target)
	require.NoError(t, err)
	c2, err := m.Compile(personSchema(), target)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, c1.Key(), c2.Key())
}

// TestNoCache_BypassesMemoCache ensures the per-request option leaves the
// mapper cache untouched.
func TestNoCache_BypassesMemoCache(t *testing.T) {
	cache := NewMemoCache()
	m := New(Config{Cache: cache})

	_, err := m.Compile(personSchema(), reflect.TypeOf(Person{}), NoCache())
	require.NoError(t, err)
	assert.Equal(t, CacheStats{}, cache.Stats())
}

// TestMapper_LogsCompiles checks that compiles and bind failures are logged
// at debug level, and cache hits are not.
func TestMapper_LogsCompiles(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := New(Config{Logger: zap.New(core)})

	_, err := Convert[Person](m, personSchema())
	require.NoError(t, err)
	_, err = Convert[Person](m, personSchema())
	require.NoError(t, err)

	compiled := logs.FilterMessage("rowbind: compiled converter")
	require.Equal(t, 1, compiled.Len())
	fields := compiled.All()[0].ContextMap()
	assert.Equal(t, "rowbind.Person", fields["target"])
	assert.Contains(t, fields, "key")

	_, err = Convert[PersonRequired](m, Fields(Field{Name: "id", Type: stringType}))
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("rowbind: bind failed").Len())
}

// TestMapper_DefaultConfig verifies the defaults applied by New.
func TestMapper_DefaultConfig(t *testing.T) {
	m := New()
	assert.Equal(t, defaultTag, m.config.TagName)
	assert.IsType(t, &MemoCache{}, m.Cache())
	assert.NotNil(t, m.log)
}

// TestMapper_CustomTag ensures members bind through the configured tag.
func TestMapper_CustomTag(t *testing.T) {
	type Row struct {
		ID int `col:"ident"`
	}
	m := New(Config{TagName: "col"})
	conv, err := Convert[Row](m, Fields(Field{Name: "ident", Type: intType}, Field{Name: "other", Type: intType}))
	require.NoError(t, err)

	r, err := conv(Values{11, 0})
	require.NoError(t, err)
	assert.Equal(t, 11, r.ID)
}
