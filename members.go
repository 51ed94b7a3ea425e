package rowbind

import (
	"reflect"
	"strings"
	"sync"
)

// member is a settable field of a target struct.
type member struct {
	name      string // binding name (tag or field name)
	index     []int  // full index path, through embedded structs
	typ       reflect.Type
	required  bool
	ambiguous bool
}

// shapeInfo lists the members of a struct type in declaration order.
type shapeInfo struct {
	members []member
}

type memberKey struct {
	t   reflect.Type
	tag string
}

var memberCache = newFieldCache(cacheSize)

// membersOf returns the settable members of struct type t. Untagged embedded
// structs are flattened into the parent; `tag:"-"` skips a field and
// `tag:"name,required"` renames it and marks it required.
// The result is cached in a two-tier cache.
func membersOf(t reflect.Type, tag string) *shapeInfo {
	key := memberKey{t: t, tag: tag}
	if si, ok := memberCache.get(key); ok {
		return si
	}

	si := &shapeInfo{}
	seen := make(map[string]int)
	visited := map[reflect.Type]bool{}

	var walk func(rt reflect.Type, path []int)
	walk = func(rt reflect.Type, path []int) {
		for rt.Kind() == reflect.Pointer {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct || visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			tv := f.Tag.Get(tag)
			if tv == "-" {
				continue
			}
			if f.Anonymous && tv == "" && isEmbeddedStruct(f.Type) {
				walk(f.Type, appendIndex(path, i))
				continue
			}
			if !f.IsExported() {
				continue
			}

			name := f.Name
			required := false
			if tv != "" {
				parts := strings.Split(tv, ",")
				if parts[0] != "" {
					name = parts[0]
				}
				for _, p := range parts[1:] {
					if strings.TrimSpace(p) == "required" {
						required = true
					}
				}
			}

			fold := foldName(name)
			if at, exists := seen[fold]; exists {
				si.members[at].ambiguous = true
				continue
			}
			seen[fold] = len(si.members)
			si.members = append(si.members, member{
				name:     name,
				index:    appendIndex(path, i),
				typ:      f.Type,
				required: required,
			})
		}
	}

	walk(t, nil)
	memberCache.put(key, si)
	return si
}

func isEmbeddedStruct(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && !isLeafType(t)
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}

// fieldCache implements a two-tier map with cheap rotation to bound memory.
// 'curr' is the hot set; 'prev' is the previous generation. Lookups promote.
type fieldCache struct {
	mu   sync.RWMutex
	curr map[memberKey]*shapeInfo
	prev map[memberKey]*shapeInfo
	max  int
}

func newFieldCache(max int) *fieldCache {
	if max <= 0 {
		max = cacheSize
	}
	return &fieldCache{
		curr: make(map[memberKey]*shapeInfo, max/2),
		prev: make(map[memberKey]*shapeInfo),
		max:  max,
	}
}

func (c *fieldCache) get(k memberKey) (*shapeInfo, bool) {
	c.mu.RLock()
	if si, ok := c.curr[k]; ok {
		c.mu.RUnlock()
		return si, true
	}
	if si, ok := c.prev[k]; ok {
		c.mu.RUnlock()
		c.put(k, si)
		return si, true
	}
	c.mu.RUnlock()
	return nil, false
}

func (c *fieldCache) put(k memberKey, si *shapeInfo) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[memberKey]*shapeInfo, c.max/2)
	}
	c.curr[k] = si
	c.mu.Unlock()
}
