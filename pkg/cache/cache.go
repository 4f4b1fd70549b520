package cache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/truthgate/truthgate/pkg/metrics"
)

// DefaultTTL is the entry lifetime unless a caller overrides it.
const DefaultTTL = 2 * time.Hour

// NodeAPI is the slice of the node client the cache fills from.
type NodeAPI interface {
	ResolveMfsFolderToCid(ctx context.Context, p string) (string, error)
	IsCidLocal(ctx context.Context, cid string) (bool, error)
	ListDir(ctx context.Context, cidOrPath string) (map[string]string, error)
	Head(ctx context.Context, gatewayPath string, fresh bool) (int, error)
}

type entry struct {
	value   any
	expires time.Time
	tags    []string
}

// Cache is the tag-indexed resolve/exists/list cache. Entries carry a
// TTL and one or more tags ({cid:X}, {mfs:P}); invalidating a tag
// eagerly expires every entry carrying it. Concurrent misses for the
// same key coalesce to one node call.
type Cache struct {
	node NodeAPI
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	tags    map[string]map[string]struct{}

	sf singleflight.Group
}

// New creates a cache over the given node API.
func New(n NodeAPI, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		node:    n,
		ttl:     ttl,
		entries: make(map[string]*entry),
		tags:    make(map[string]map[string]struct{}),
	}
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.removeLocked(key, e)
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return e.value, true
}

func (c *Cache) set(key string, value any, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	c.entries[key] = &entry{value: value, expires: time.Now().Add(c.ttl), tags: tags}
	for _, t := range tags {
		set, ok := c.tags[t]
		if !ok {
			set = make(map[string]struct{})
			c.tags[t] = set
		}
		set[key] = struct{}{}
	}
}

func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	for _, t := range e.tags {
		if set, ok := c.tags[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.tags, t)
			}
		}
	}
}

// InvalidateTag eagerly expires every entry carrying the tag.
func (c *Cache) InvalidateTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.tags[tag]
	if !ok {
		return
	}
	for key := range set {
		if e, ok := c.entries[key]; ok {
			c.removeLocked(key, e)
		}
	}
	delete(c.tags, tag)
	metrics.CacheInvalidations.Inc()
}

// InvalidateCid expires all entries scoped to the CID.
func (c *Cache) InvalidateCid(cid string) {
	c.InvalidateTag("cid:" + cid)
}

// InvalidateMfs expires all entries scoped to the MFS path.
func (c *Cache) InvalidateMfs(path string) {
	c.InvalidateTag("mfs:" + path)
}

// ResolveMfsFolderToCid resolves an MFS folder to its CID through the
// cache. The entry is tagged by both the MFS path and the resolved CID.
func (c *Cache) ResolveMfsFolderToCid(ctx context.Context, mfs string) (string, error) {
	key := "cid:" + mfs
	if v, ok := c.get(key); ok {
		return v.(string), nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		cid, err := c.node.ResolveMfsFolderToCid(ctx, mfs)
		if err != nil {
			return "", err
		}
		c.set(key, cid, "mfs:"+mfs, "cid:"+cid)
		return cid, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// IsCidLocal reports local presence of a CID through the cache.
func (c *Cache) IsCidLocal(ctx context.Context, cid string) (bool, error) {
	key := "local:" + cid
	if v, ok := c.get(key); ok {
		return v.(bool), nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		local, err := c.node.IsCidLocal(ctx, cid)
		if err != nil {
			return false, err
		}
		c.set(key, local, "cid:"+cid)
		return local, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Ls returns the case-insensitive listing of a directory inside a CID.
// dir is CID-relative ("" for the root) and matched case-insensitively.
func (c *Cache) Ls(ctx context.Context, cid, dir string) (map[string]string, error) {
	key := "ls:" + cid + ":" + strings.ToLower(dir)
	if v, ok := c.get(key); ok {
		return v.(map[string]string), nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		target := "/ipfs/" + cid
		if dir != "" {
			target += "/" + dir
		}
		listing, err := c.node.ListDir(ctx, target)
		if err != nil {
			return nil, err
		}
		c.set(key, listing, "cid:"+cid)
		return listing, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func gatewayPath(cid, rest string) string {
	p := "/ipfs/" + cid
	if rest != "" {
		segs := strings.Split(rest, "/")
		for i, s := range segs {
			segs[i] = url.PathEscape(s)
		}
		p += "/" + strings.Join(segs, "/")
	}
	return p
}

// PathExists reports whether input exists within the CID, returning the
// canonical (correctly-cased) path. Policy: use a cached resolution when
// present; otherwise probe the path as-is, then fall back to a
// case-insensitive segment walk over cached listings. Negative results
// are cached with an empty canonical path.
func (c *Cache) PathExists(ctx context.Context, cid, input string) (bool, string, error) {
	key := "resolve:" + cid + ":" + strings.ToLower(input)
	if v, ok := c.get(key); ok {
		canonical := v.(string)
		if canonical == "" {
			return false, "", nil
		}
		exists, err := c.exists(ctx, cid, canonical)
		if err != nil {
			return false, "", err
		}
		return exists, canonical, nil
	}

	type resolved struct {
		exists    bool
		canonical string
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Probe as-is first; the common case is a correctly-cased path.
		status, err := c.node.Head(ctx, gatewayPath(cid, input), false)
		if err != nil {
			return nil, err
		}
		if status == http.StatusOK {
			c.set(key, input, "cid:"+cid)
			c.set("exists:"+cid+":"+input, true, "cid:"+cid)
			return resolved{true, input}, nil
		}

		canonical, ok, err := c.resolveCaseInsensitive(ctx, cid, input)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.set(key, "", "cid:"+cid)
			return resolved{false, ""}, nil
		}
		status, err = c.node.Head(ctx, gatewayPath(cid, canonical), false)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			c.set(key, "", "cid:"+cid)
			return resolved{false, ""}, nil
		}
		c.set(key, canonical, "cid:"+cid)
		c.set("exists:"+cid+":"+canonical, true, "cid:"+cid)
		return resolved{true, canonical}, nil
	})
	if err != nil {
		return false, "", err
	}
	r := v.(resolved)
	return r.exists, r.canonical, nil
}

// resolveCaseInsensitive walks the path one segment at a time, matching
// each against the cached directory listing.
func (c *Cache) resolveCaseInsensitive(ctx context.Context, cid, input string) (string, bool, error) {
	segs := strings.Split(input, "/")
	canon := make([]string, 0, len(segs))
	dir := ""
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		listing, err := c.Ls(ctx, cid, dir)
		if err != nil {
			return "", false, err
		}
		actual, ok := listing[strings.ToLower(seg)]
		if !ok {
			return "", false, nil
		}
		canon = append(canon, actual)
		dir = strings.Join(canon, "/")
	}
	return strings.Join(canon, "/"), true, nil
}

func (c *Cache) exists(ctx context.Context, cid, canonical string) (bool, error) {
	key := "exists:" + cid + ":" + canonical
	if v, ok := c.get(key); ok {
		return v.(bool), nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		status, err := c.node.Head(ctx, gatewayPath(cid, canonical), false)
		if err != nil {
			return false, err
		}
		exists := status == http.StatusOK
		c.set(key, exists, "cid:"+cid)
		return exists, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Len returns the number of live entries, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
