package rowbind

import (
	"sync"
	"sync/atomic"
)

// CompileFunc builds a Converter from a freshly built SchemaMap.
type CompileFunc func(sm *SchemaMap) (*Converter, error)

// Cache stores compiled converters by ShapeKey.
//
// GetOrCompile must not invoke compile on a hit. On a miss it builds a
// SchemaMap from s, calls compile and may publish the result under key.
type Cache interface {
	GetOrCompile(s Schema, key ShapeKey, compile CompileFunc) (*Converter, error)
}

// NopCache compiles on every request.
type NopCache struct{}

// GetOrCompile always compiles.
func (NopCache) GetOrCompile(s Schema, _ ShapeKey, compile CompileFunc) (*Converter, error) {
	sm, err := NewSchemaMap(s)
	if err != nil {
		return nil, err
	}
	return compile(sm)
}

// MemoCache is an append-only, concurrency-safe converter cache. Readers never
// block each other. Two goroutines missing on the same key may both compile;
// the first to publish wins and the other result is dropped.
type MemoCache struct {
	m        sync.Map // ShapeKey -> *Converter
	size     atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	compiles atomic.Int64
}

// CacheStats is a snapshot of MemoCache counters.
type CacheStats struct {
	Size     int64
	Hits     int64
	Misses   int64
	Compiles int64
}

// NewMemoCache returns an empty cache.
func NewMemoCache() *MemoCache {
	return &MemoCache{}
}

// GetOrCompile returns the converter cached under key, compiling and
// publishing it on a miss. Failed compiles are not cached.
func (c *MemoCache) GetOrCompile(s Schema, key ShapeKey, compile CompileFunc) (*Converter, error) {
	if v, ok := c.m.Load(key); ok {
		c.hits.Add(1)
		return v.(*Converter), nil
	}
	c.misses.Add(1)

	sm, err := NewSchemaMap(s)
	if err != nil {
		return nil, err
	}
	conv, err := compile(sm)
	if err != nil {
		return nil, err
	}
	c.compiles.Add(1)

	actual, loaded := c.m.LoadOrStore(key, conv)
	if !loaded {
		c.size.Add(1)
	}
	return actual.(*Converter), nil
}

// Lookup returns the converter cached under key, if any.
func (c *MemoCache) Lookup(key ShapeKey) (*Converter, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Converter), true
}

// Stats returns the current counters.
func (c *MemoCache) Stats() CacheStats {
	return CacheStats{
		Size:     c.size.Load(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Compiles: c.compiles.Load(),
	}
}
