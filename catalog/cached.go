package catalog

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const listKey = "\x00list"

// Cached serves List and Get from memory for ttl. Writes through this
// wrapper invalidate immediately; writes by other processes show up once
// the entry expires.
type Cached struct {
	inner Catalog
	cache *gocache.Cache
}

// NewCached wraps inner. A ttl of zero or less disables caching.
func NewCached(inner Catalog, ttl time.Duration) *Cached {
	if ttl <= 0 {
		return &Cached{inner: inner}
	}
	return &Cached{inner: inner, cache: gocache.New(ttl, 2*ttl)}
}

// List implements Catalog. Callers must not modify the returned slice.
func (c *Cached) List(ctx context.Context) ([]FileInfo, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(listKey); ok {
			return v.([]FileInfo), nil
		}
	}
	files, err := c.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.SetDefault(listKey, files)
	}
	return files, nil
}

// Get implements Catalog.
func (c *Cached) Get(ctx context.Context, id string) (FileInfo, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(id); ok {
			return v.(FileInfo), nil
		}
	}
	info, err := c.inner.Get(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}
	if c.cache != nil {
		c.cache.SetDefault(id, info)
	}
	return info, nil
}

// Register implements Catalog.
func (c *Cached) Register(ctx context.Context, info FileInfo) error {
	err := c.inner.Register(ctx, info)
	c.invalidate(info.ID)
	return err
}

// AddPoints implements Catalog.
func (c *Cached) AddPoints(ctx context.Context, id string, n int64) error {
	err := c.inner.AddPoints(ctx, id, n)
	c.invalidate(id)
	return err
}

// Remove implements Catalog.
func (c *Cached) Remove(ctx context.Context, id string) error {
	err := c.inner.Remove(ctx, id)
	c.invalidate(id)
	return err
}

// Flush drops every cached entry.
func (c *Cached) Flush() {
	if c.cache != nil {
		c.cache.Flush()
	}
}

func (c *Cached) invalidate(id string) {
	if c.cache == nil {
		return
	}
	c.cache.Delete(listKey)
	c.cache.Delete(id)
}
