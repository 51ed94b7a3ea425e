package rowbind

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mapper is the main entry point. It holds the configuration, the converter
// cache and the registered factories and coercions.
// A single Mapper is safe for concurrent use. Registering a factory makes
// later compiles bypass converters cached before it; coercions must be
// registered before the first accessor that depends on them.
type Mapper struct {
	config Config
	cache  Cache
	log    *zap.Logger

	mu         sync.RWMutex
	factories  map[reflect.Type][]factory
	factoryGen uint64 // bumped by every RegisterFactory
	coercions map[reflect.Type]coercion
}

// Config defines the behavior of a Mapper.
type Config struct {
	// TagName is the struct tag holding member names and options.
	// If empty, "db" is used.
	TagName string
	// Cache stores compiled converters. If nil, a fresh MemoCache is used.
	// A cache shared by several Mappers must only be shared by Mappers with
	// the same factories and tag name.
	Cache Cache
	// Logger receives compile diagnostics. If nil, logging is disabled.
	Logger *zap.Logger
}

const (
	cacheSize  = 4096 // Default size for the member-index cache
	defaultTag = "db"
)

var (
	ErrBinding           = errors.New("rowbind: binding failed")
	ErrInvalidConversion = errors.New("rowbind: invalid conversion")
	ErrUnexpectedNull    = errors.New("rowbind: unexpected null")
	ErrDuplicateField    = errors.New("rowbind: duplicate field")
	ErrFieldAmbiguous    = errors.New("rowbind: ambiguous field name")
	ErrInvalidFactory    = errors.New("rowbind: invalid factory")
	ErrInvalidMapping    = errors.New("rowbind: invalid field mapping")
	ErrNoFunction        = errors.New("rowbind: projection converter needs a function")
	ErrMoreThanOneRow    = errors.New("rowbind: more than one row")
)

// New returns a new Mapper. Optionally provide a Config; unspecified fields
// fall back to defaults.
func New(cfg ...Config) *Mapper {
	c := defaultConfig(cfg...)
	m := &Mapper{
		config:    c,
		cache:     c.Cache,
		log:       c.Logger,
		factories: make(map[reflect.Type][]factory),
		coercions: make(map[reflect.Type]coercion),
	}
	registerDefaultCoercions(m)
	return m
}

// Cache returns the converter cache used by m.
func (m *Mapper) Cache() Cache { return m.cache }

// Compile returns the converter for rows of s into target, from the cache
// when possible.
func (m *Mapper) Compile(s Schema, target reflect.Type, opts ...RequestOption) (*Converter, error) {
	key := NewShapeKey(s, target)
	return m.compile(s, key, opts, func(b *binder, sm *SchemaMap) (*node, error) {
		return b.bindRoot(sm, target)
	})
}

// compile runs bind through the cache (or directly for one-off requests)
// and logs the outcome.
func (m *Mapper) compile(s Schema, key ShapeKey, opts []RequestOption, bind func(*binder, *SchemaMap) (*node, error)) (*Converter, error) {
	var req request
	for _, o := range opts {
		o(&req)
	}
	key = key.withGeneration(m.generation())

	compile := func(sm *SchemaMap) (*Converter, error) {
		start := time.Now()
		root, err := bind(&binder{m: m, tag: m.config.TagName}, sm)
		if err != nil {
			m.log.Debug("rowbind: bind failed", zap.Stringer("key", key), zap.Error(err))
			return nil, err
		}
		m.log.Debug("rowbind: compiled converter",
			zap.Stringer("key", key),
			zap.Stringer("target", key.Target()),
			zap.Duration("elapsed", time.Since(start)),
		)
		return &Converter{
			key:        key,
			target:     key.Target(),
			root:       root,
			projection: root.kind == nkCall && !root.fn.IsValid(),
		}, nil
	}

	if req.noCache {
		return NopCache{}.GetOrCompile(s, key, compile)
	}
	return m.cache.GetOrCompile(s, key, compile)
}

// RequestOption tunes a single conversion request.
type RequestOption func(*request)

type request struct {
	noCache bool
}

// NoCache compiles the request without consulting or filling the cache.
// Use it for one-off shapes.
func NoCache() RequestOption {
	return func(r *request) { r.noCache = true }
}

// defaultConfig merges user config with defaults.
func defaultConfig(config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.TagName == "" {
		c.TagName = defaultTag
	}
	if c.Cache == nil {
		c.Cache = NewMemoCache()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return c
}
