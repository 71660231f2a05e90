package catalog

import (
	"context"
	"sync"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

// StoreCatalog answers from the point store's own file list. Point counts
// always come from the store; filenames and upload dates registered through
// this process are kept in memory, and files the store knows but this
// process never registered are listed under their id.
type StoreCatalog struct {
	store pointstore.Store

	mu   sync.RWMutex
	meta map[string]FileInfo
}

// NewStoreCatalog creates a catalog over store.
func NewStoreCatalog(store pointstore.Store) *StoreCatalog {
	return &StoreCatalog{store: store, meta: make(map[string]FileInfo)}
}

// List implements Catalog.
func (c *StoreCatalog) List(ctx context.Context) ([]FileInfo, error) {
	stats, err := c.store.Files(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "StoreCatalog", "List", "list store files")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool, len(stats))
	files := make([]FileInfo, 0, len(stats)+len(c.meta))
	for _, st := range stats {
		seen[st.FileID] = true
		files = append(files, c.describe(st.FileID, st.Points))
	}
	// Registered but still empty.
	for id, info := range c.meta {
		if !seen[id] {
			files = append(files, info)
		}
	}
	sortFiles(files)
	return files, nil
}

// Get implements Catalog.
func (c *StoreCatalog) Get(ctx context.Context, id string) (FileInfo, error) {
	files, err := c.List(ctx)
	if err != nil {
		return FileInfo{}, err
	}
	for _, f := range files {
		if f.ID == id {
			return f, nil
		}
	}
	return FileInfo{}, notFound("Get", id)
}

// Register implements Catalog.
func (c *StoreCatalog) Register(_ context.Context, info FileInfo) error {
	if err := validate(info); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.meta[info.ID]; ok {
		return errors.WrapInvalid(errors.ErrInvalidData, "StoreCatalog", "Register", "file "+info.ID+" already registered")
	}
	info.Points = 0
	c.meta[info.ID] = info
	return nil
}

// AddPoints implements Catalog. The store already counts appended points,
// so this only checks that the file is known.
func (c *StoreCatalog) AddPoints(ctx context.Context, id string, _ int64) error {
	c.mu.RLock()
	_, ok := c.meta[id]
	c.mu.RUnlock()
	if ok {
		return nil
	}
	_, err := c.Get(ctx, id)
	return err
}

// Remove implements Catalog. Only the registration is dropped; points still
// in the store keep the file listed under its id.
func (c *StoreCatalog) Remove(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.meta, id)
	return nil
}

func (c *StoreCatalog) describe(id string, points int64) FileInfo {
	info, ok := c.meta[id]
	if !ok {
		info = FileInfo{ID: id, Filename: id}
	}
	info.Points = points
	return info
}
